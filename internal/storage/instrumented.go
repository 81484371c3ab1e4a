package storage

import (
	"context"
	"errors"
	"time"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/observability"
)

// instrumented records latency and errors of every call to a LedgerStore.
type instrumented struct {
	next    LedgerStore
	backend string
	metrics *observability.Metrics
}

// Instrument wraps s so each call is recorded in m under backend.
// Returns s unchanged when m is nil.
func Instrument(s LedgerStore, backend string, m *observability.Metrics) LedgerStore {
	if m == nil {
		return s
	}
	return &instrumented{next: s, backend: backend, metrics: m}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	// Lookups that miss are not store failures.
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.metrics.RecordStoreOp(s.backend, op, time.Since(start), err)
}

func (s *instrumented) Get(ctx context.Context, key domain.PositionKey) (p *domain.Position, err error) {
	defer func(start time.Time) { s.observe("get_position", start, err) }(time.Now())
	return s.next.Get(ctx, key)
}

func (s *instrumented) ListByUser(ctx context.Context, userID string) (ps []*domain.Position, err error) {
	defer func(start time.Time) { s.observe("list_positions", start, err) }(time.Now())
	return s.next.ListByUser(ctx, userID)
}

func (s *instrumented) History(ctx context.Context, key domain.PositionKey, generation int) (rs []domain.DailyRecord, err error) {
	defer func(start time.Time) { s.observe("history", start, err) }(time.Now())
	return s.next.History(ctx, key, generation)
}

func (s *instrumented) GetTransaction(ctx context.Context, id string) (t *domain.PendingTransaction, err error) {
	defer func(start time.Time) { s.observe("get_transaction", start, err) }(time.Now())
	return s.next.GetTransaction(ctx, id)
}

func (s *instrumented) GetTransactionByKey(ctx context.Context, key string) (t *domain.PendingTransaction, err error) {
	defer func(start time.Time) { s.observe("get_transaction_by_key", start, err) }(time.Now())
	return s.next.GetTransactionByKey(ctx, key)
}

func (s *instrumented) GetTransactionByExternalRef(ctx context.Context, ref string) (t *domain.PendingTransaction, err error) {
	defer func(start time.Time) { s.observe("get_transaction_by_ref", start, err) }(time.Now())
	return s.next.GetTransactionByExternalRef(ctx, ref)
}

func (s *instrumented) ListTransactionsByStatus(ctx context.Context, status domain.TxStatus, limit int) (ts []*domain.PendingTransaction, err error) {
	defer func(start time.Time) { s.observe("list_transactions", start, err) }(time.Now())
	return s.next.ListTransactionsByStatus(ctx, status, limit)
}

func (s *instrumented) ListOpenTransactions(ctx context.Context, key domain.PositionKey) (ts []*domain.PendingTransaction, err error) {
	defer func(start time.Time) { s.observe("list_open_transactions", start, err) }(time.Now())
	return s.next.ListOpenTransactions(ctx, key)
}

func (s *instrumented) Apply(ctx context.Context, c *Commit) (err error) {
	defer func(start time.Time) { s.observe("apply", start, err) }(time.Now())
	return s.next.Apply(ctx, c)
}
