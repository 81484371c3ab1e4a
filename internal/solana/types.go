package solana

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Commitment levels reported in signature statuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// MaxSignaturesPerStatusRequest is the node limit for getSignatureStatuses.
const MaxSignaturesPerStatusRequest = 256

// SignatureStatus from getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64 // nil once finalized
	Err                interface{}
	ConfirmationStatus string
}

// Failed reports whether the transaction landed with an error.
func (s *SignatureStatus) Failed() bool {
	return s.Err != nil
}

// Finalized reports whether the transaction reached finalized commitment.
func (s *SignatureStatus) Finalized() bool {
	return s.ConfirmationStatus == CommitmentFinalized
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err          interface{}
	Fee          uint64
	PreBalances  []uint64
	PostBalances []uint64
	LogMessages  []string
}

// TransactionMessage contains parsed transaction message.
type TransactionMessage struct {
	AccountKeys []string
}

// BalanceChange returns the lamport change of account in tx.
// ok is false when the account is not part of the transaction.
func (tx *Transaction) BalanceChange(account string) (delta int64, ok bool) {
	if tx.Meta == nil || tx.Message == nil {
		return 0, false
	}
	for i, key := range tx.Message.AccountKeys {
		if key != account {
			continue
		}
		if i >= len(tx.Meta.PreBalances) || i >= len(tx.Meta.PostBalances) {
			return 0, false
		}
		return int64(tx.Meta.PostBalances[i]) - int64(tx.Meta.PreBalances[i]), true
	}
	return 0, false
}

// ToLamports converts an amount in SOL to lamports.
// The amount must not carry more than nine decimal places.
func ToLamports(amount decimal.Decimal) (int64, error) {
	l := amount.Shift(9)
	if !l.IsInteger() {
		return 0, fmt.Errorf("amount %s is finer than one lamport", amount)
	}
	return l.IntPart(), nil
}

// FromLamports converts lamports to SOL.
func FromLamports(lamports int64) decimal.Decimal {
	return decimal.New(lamports, -9)
}
