package storage

import (
	"context"

	"commission-ledger/internal/domain"
)

// Commit is one atomic change to the ledger. Either every part is
// persisted or none is.
type Commit struct {
	// Position is the new position state, with Version already incremented.
	// Nil when only a transaction changes.
	Position *domain.Position

	// PrevVersion is the version the change was computed from.
	// 0 means the position must not exist yet.
	PrevVersion int64

	// Appended are the daily records added by this change, in day order.
	// They belong to Position.Generation; earlier generations are kept.
	Appended []domain.DailyRecord

	// Transaction is the new state of a pending transaction, if any.
	Transaction *domain.PendingTransaction

	// PrevStatus is the status the transaction had when the change was computed.
	// Empty means the transaction is new and is inserted.
	PrevStatus domain.TxStatus
}

// PositionStore provides access to positions and their daily records.
type PositionStore interface {
	// Get retrieves a position with the history of its current generation.
	// Returns ErrNotFound if not exists.
	Get(ctx context.Context, key domain.PositionKey) (*domain.Position, error)

	// ListByUser retrieves every position of a user ordered by bot id, without history.
	ListByUser(ctx context.Context, userID string) ([]*domain.Position, error)

	// History retrieves the daily records of one generation ordered by day ASC.
	// generation <= 0 selects the current generation.
	History(ctx context.Context, key domain.PositionKey, generation int) ([]domain.DailyRecord, error)
}

// TransactionStore provides access to pending transactions.
type TransactionStore interface {
	// GetTransaction retrieves a transaction by id. Returns ErrNotFound if not exists.
	GetTransaction(ctx context.Context, id string) (*domain.PendingTransaction, error)

	// GetTransactionByKey retrieves a transaction by idempotency key.
	GetTransactionByKey(ctx context.Context, key string) (*domain.PendingTransaction, error)

	// GetTransactionByExternalRef retrieves a transaction by settlement reference.
	GetTransactionByExternalRef(ctx context.Context, ref string) (*domain.PendingTransaction, error)

	// ListTransactionsByStatus retrieves transactions in a status ordered by creation time.
	// limit <= 0 means no limit.
	ListTransactionsByStatus(ctx context.Context, status domain.TxStatus, limit int) ([]*domain.PendingTransaction, error)

	// ListOpenTransactions retrieves the Created and Submitted transactions of a
	// position ordered by creation time.
	ListOpenTransactions(ctx context.Context, key domain.PositionKey) ([]*domain.PendingTransaction, error)
}

// LedgerStore is a backend that can apply Commits atomically.
type LedgerStore interface {
	PositionStore
	TransactionStore

	// Apply persists c atomically.
	// Returns ErrConflict if PrevVersion or PrevStatus does not match,
	// ErrDuplicateKey if a new transaction's id or idempotency key exists.
	Apply(ctx context.Context, c *Commit) error
}

// Validate checks the structural invariants every backend relies on.
func (c *Commit) Validate() error {
	if c == nil || (c.Position == nil && c.Transaction == nil) {
		return ErrInvalidInput
	}
	if p := c.Position; p != nil {
		if p.UserID == "" || p.BotID == "" || p.Version != c.PrevVersion+1 {
			return ErrInvalidInput
		}
	}
	if t := c.Transaction; t != nil {
		if t.ID == "" || t.IdempotencyKey == "" || !t.Kind.Valid() {
			return ErrInvalidInput
		}
	}
	return nil
}

// RecordSink receives committed daily records for analytics.
// It is written after the authoritative commit and never read by the engine.
type RecordSink interface {
	AppendRecords(ctx context.Context, key domain.PositionKey, generation int, records []domain.DailyRecord) error
}
