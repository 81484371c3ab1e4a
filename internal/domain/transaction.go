package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxKind is the purpose of an externally settled transaction.
type TxKind string

const (
	TxKindDeposit  TxKind = "DEPOSIT"
	TxKindTopup    TxKind = "TOPUP"
	TxKindWithdraw TxKind = "WITHDRAW"
)

// Valid reports whether k is a known kind.
func (k TxKind) Valid() bool {
	switch k {
	case TxKindDeposit, TxKindTopup, TxKindWithdraw:
		return true
	}
	return false
}

// TxStatus is the settlement status of a pending transaction.
type TxStatus string

const (
	TxStatusCreated   TxStatus = "CREATED"
	TxStatusSubmitted TxStatus = "SUBMITTED"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// PendingTransaction tracks an externally settled transfer.
// Its effect on a Position is applied exactly once, at Confirmed.
type PendingTransaction struct {
	ID             string // uuid
	IdempotencyKey string // sha256(user|bot|kind|amount|nonce)
	UserID         string
	BotID          string
	Kind           TxKind
	Amount         decimal.Decimal
	SettledAmount  decimal.Decimal // amount actually applied at confirmation
	Status         TxStatus

	ExternalReference string // settlement handle (transaction signature)
	FailureReason     string

	CreatedAt   time.Time
	SubmittedAt *time.Time
	ResolvedAt  *time.Time
}

// PositionKey returns the key of the position the transaction targets.
func (t *PendingTransaction) PositionKey() PositionKey {
	return PositionKey{UserID: t.UserID, BotID: t.BotID}
}

// Clone returns a copy.
func (t *PendingTransaction) Clone() *PendingTransaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.SubmittedAt != nil {
		v := *t.SubmittedAt
		c.SubmittedAt = &v
	}
	if t.ResolvedAt != nil {
		v := *t.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}
