package storage_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/observability"
	"commission-ledger/internal/storage"
	"commission-ledger/internal/storage/memory"
	"commission-ledger/internal/storage/storagetest"
)

func TestInstrument_Contract(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	storagetest.RunLedgerStoreTests(t, func(t *testing.T) storage.LedgerStore {
		return storage.Instrument(memory.NewLedgerStore(), "memory", m)
	})
}

func TestInstrument_RecordsErrors(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	s := storage.Instrument(memory.NewLedgerStore(), "memory", m)
	ctx := context.Background()

	// A miss is not an error.
	_, err := s.Get(ctx, domain.PositionKey{UserID: "u", BotID: "b"})
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("memory", "get_position")))

	require.NoError(t, s.Apply(ctx, &storage.Commit{Position: storagetest.Position("u", "b", 1)}))
	err = s.Apply(ctx, &storage.Commit{Position: storagetest.Position("u", "b", 1)})
	require.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("memory", "apply")))
}

func TestInstrument_NilMetrics(t *testing.T) {
	s := memory.NewLedgerStore()
	assert.Same(t, storage.LedgerStore(s), storage.Instrument(s, "memory", nil))
}
