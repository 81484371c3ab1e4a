package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"commission-ledger/internal/domain"
)

// lockTable hands out one exclusive lock per position key.
// Entries are reference counted and dropped when nobody holds or waits.
type lockTable struct {
	mu      sync.Mutex
	entries map[domain.PositionKey]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1; holding a token means holding the lock
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[domain.PositionKey]*lockEntry)}
}

// acquire waits up to timeout for key. The returned func releases it.
func (t *lockTable) acquire(ctx context.Context, key domain.PositionKey, timeout time.Duration) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			t.unref(key, e)
		}, nil
	case <-timer.C:
		t.unref(key, e)
		return nil, fmt.Errorf("%w: %s: lock wait exceeded %s", ErrContention, key, timeout)
	case <-ctx.Done():
		t.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrContention, key, ctx.Err())
	}
}

func (t *lockTable) unref(key domain.PositionKey, e *lockEntry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
