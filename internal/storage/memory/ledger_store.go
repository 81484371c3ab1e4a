package memory

import (
	"context"
	"sort"
	"sync"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu        sync.RWMutex
	positions map[domain.PositionKey]*domain.Position // stored without history
	history   map[generationKey][]domain.DailyRecord
	txs       map[string]*domain.PendingTransaction // keyed by id
	txByKey   map[string]string                     // idempotency key -> id
	txByRef   map[string]string                     // external reference -> id
}

type generationKey struct {
	position   domain.PositionKey
	generation int
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		positions: make(map[domain.PositionKey]*domain.Position),
		history:   make(map[generationKey][]domain.DailyRecord),
		txs:       make(map[string]*domain.PendingTransaction),
		txByKey:   make(map[string]string),
		txByRef:   make(map[string]string),
	}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// Get retrieves a position with the history of its current generation.
func (s *LedgerStore) Get(_ context.Context, key domain.PositionKey) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := p.Clone()
	out.History = append([]domain.DailyRecord(nil), s.history[generationKey{key, p.Generation}]...)
	return out, nil
}

// ListByUser retrieves every position of a user ordered by bot id, without history.
func (s *LedgerStore) ListByUser(_ context.Context, userID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for key, p := range s.positions {
		if key.UserID == userID {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BotID < result[j].BotID
	})
	return result, nil
}

// History retrieves the daily records of one generation ordered by day ASC.
func (s *LedgerStore) History(_ context.Context, key domain.PositionKey, generation int) ([]domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if generation <= 0 {
		generation = p.Generation
	}
	return append([]domain.DailyRecord(nil), s.history[generationKey{key, generation}]...), nil
}

// GetTransaction retrieves a transaction by id.
func (s *LedgerStore) GetTransaction(_ context.Context, id string) (*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// GetTransactionByKey retrieves a transaction by idempotency key.
func (s *LedgerStore) GetTransactionByKey(_ context.Context, key string) (*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.txs[id].Clone(), nil
}

// GetTransactionByExternalRef retrieves a transaction by settlement reference.
func (s *LedgerStore) GetTransactionByExternalRef(_ context.Context, ref string) (*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByRef[ref]
	if !ok || ref == "" {
		return nil, storage.ErrNotFound
	}
	return s.txs[id].Clone(), nil
}

// ListTransactionsByStatus retrieves transactions in a status ordered by creation time.
func (s *LedgerStore) ListTransactionsByStatus(_ context.Context, status domain.TxStatus, limit int) ([]*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PendingTransaction
	for _, t := range s.txs {
		if t.Status == status {
			result = append(result, t.Clone())
		}
	}

	sortByCreation(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListOpenTransactions retrieves the Created and Submitted transactions of a position.
func (s *LedgerStore) ListOpenTransactions(_ context.Context, key domain.PositionKey) ([]*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PendingTransaction
	for _, t := range s.txs {
		if t.PositionKey() == key && !t.Status.Terminal() {
			result = append(result, t.Clone())
		}
	}
	sortByCreation(result)
	return result, nil
}

func sortByCreation(ts []*domain.PendingTransaction) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// Apply persists c atomically.
func (s *LedgerStore) Apply(_ context.Context, c *storage.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check every precondition before touching state.
	if p := c.Position; p != nil {
		key := p.Key()
		cur, exists := s.positions[key]
		switch {
		case c.PrevVersion == 0 && exists:
			return storage.ErrConflict
		case c.PrevVersion != 0 && (!exists || cur.Version != c.PrevVersion):
			return storage.ErrConflict
		}
	}

	if t := c.Transaction; t != nil {
		cur, exists := s.txs[t.ID]
		if c.PrevStatus == "" {
			if exists {
				return storage.ErrDuplicateKey
			}
			if _, dup := s.txByKey[t.IdempotencyKey]; dup {
				return storage.ErrDuplicateKey
			}
		} else if !exists || cur.Status != c.PrevStatus {
			return storage.ErrConflict
		}
		if t.ExternalReference != "" {
			if id, taken := s.txByRef[t.ExternalReference]; taken && id != t.ID {
				return storage.ErrDuplicateKey
			}
		}
	}

	// Second pass: write.
	if p := c.Position; p != nil {
		key := p.Key()
		stored := p.Clone()
		stored.History = nil
		s.positions[key] = stored

		if len(c.Appended) > 0 {
			gk := generationKey{key, p.Generation}
			s.history[gk] = append(append([]domain.DailyRecord(nil), s.history[gk]...), c.Appended...)
		}
	}

	if t := c.Transaction; t != nil {
		s.txs[t.ID] = t.Clone()
		s.txByKey[t.IdempotencyKey] = t.ID
		if t.ExternalReference != "" {
			s.txByRef[t.ExternalReference] = t.ID
		}
	}

	return nil
}
