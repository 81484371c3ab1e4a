// Package storagetest holds the contract tests every storage.LedgerStore
// backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Position returns an active day-0 position with the given version.
func Position(user, bot string, version int64) *domain.Position {
	return &domain.Position{
		UserID:              user,
		BotID:               bot,
		State:               domain.StateActive,
		CommissionBalance:   decimal.RequireFromString("10"),
		TotalDeposited:      decimal.RequireFromString("10"),
		TotalCommissionPaid: decimal.Zero,
		TotalDeveloperFees:  decimal.Zero,
		TotalPlatformFees:   decimal.Zero,
		SimulationBalance:   decimal.RequireFromString("100"),
		StartingBalance:     decimal.RequireFromString("100"),
		HighWaterMark:       decimal.RequireFromString("100"),
		TotalProfit:         decimal.Zero,
		Generation:          1,
		Version:             version,
		ActivatedAt:         baseTime,
		UpdatedAt:           baseTime,
	}
}

// Record returns a daily record for day.
func Record(day int, balance string) domain.DailyRecord {
	return domain.DailyRecord{
		Day:                    day,
		PerformancePercent:     decimal.RequireFromString("1.25"),
		ProfitAmount:           decimal.RequireFromString("1.25"),
		DeveloperFee:           decimal.RequireFromString("0.1125"),
		PlatformFee:            decimal.RequireFromString("0.0125"),
		TotalFee:               decimal.RequireFromString("0.125"),
		FeeForgone:             decimal.Zero,
		SimulationBalanceAfter: decimal.RequireFromString(balance),
		CommissionBalanceAfter: decimal.RequireFromString("9.875"),
		HighWaterMarkAfter:     decimal.RequireFromString(balance),
		RecordedAt:             baseTime.Add(time.Duration(day) * time.Hour),
	}
}

// Transaction returns a created deposit transaction.
func Transaction(id, key, user, bot string) *domain.PendingTransaction {
	return &domain.PendingTransaction{
		ID:             id,
		IdempotencyKey: key,
		UserID:         user,
		BotID:          bot,
		Kind:           domain.TxKindDeposit,
		Amount:         decimal.RequireFromString("10"),
		SettledAmount:  decimal.Zero,
		Status:         domain.TxStatusCreated,
		CreatedAt:      baseTime,
	}
}

// RunLedgerStoreTests runs the LedgerStore contract against stores built by newStore.
// newStore must return an empty store on every call.
func RunLedgerStoreTests(t *testing.T, newStore func(t *testing.T) storage.LedgerStore) {
	t.Helper()

	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := Position("u1", "alpha", 1)
		err := s.Apply(ctx, &storage.Commit{
			Position: p,
			Appended: []domain.DailyRecord{Record(0, "100")},
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, p.Key())
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, got.State)
		assert.True(t, got.CommissionBalance.Equal(p.CommissionBalance), "commission balance: got %s", got.CommissionBalance)
		assert.True(t, got.HighWaterMark.Equal(p.HighWaterMark))
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, 1, got.Generation)
		require.Len(t, got.History, 1)
		assert.Equal(t, 0, got.History[0].Day)
		assert.True(t, got.History[0].TotalFee.Equal(decimal.RequireFromString("0.125")))
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, domain.PositionKey{UserID: "nobody", BotID: "alpha"})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.History(ctx, domain.PositionKey{UserID: "nobody", BotID: "alpha"}, 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.GetTransactionByKey(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.GetTransactionByExternalRef(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 1)}))

		// Insert over an existing position.
		err := s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 1)})
		assert.ErrorIs(t, err, storage.ErrConflict)

		// Stale previous version.
		err = s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 3), PrevVersion: 2})
		assert.ErrorIs(t, err, storage.ErrConflict)

		require.NoError(t, s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 2), PrevVersion: 1}))

		got, err := s.Get(ctx, domain.PositionKey{UserID: "u1", BotID: "alpha"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("InvalidCommit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		assert.ErrorIs(t, s.Apply(ctx, &storage.Commit{}), storage.ErrInvalidInput)
		// Version must advance by exactly one.
		assert.ErrorIs(t, s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 5)}), storage.ErrInvalidInput)
	})

	t.Run("HistoryByGeneration", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := domain.PositionKey{UserID: "u1", BotID: "alpha"}

		require.NoError(t, s.Apply(ctx, &storage.Commit{
			Position: Position("u1", "alpha", 1),
			Appended: []domain.DailyRecord{Record(0, "100")},
		}))
		require.NoError(t, s.Apply(ctx, &storage.Commit{
			Position:    Position("u1", "alpha", 2),
			PrevVersion: 1,
			Appended:    []domain.DailyRecord{Record(1, "101.25"), Record(2, "102.5")},
		}))

		hist, err := s.History(ctx, key, 0)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		for i, r := range hist {
			assert.Equal(t, i, r.Day)
		}
		assert.True(t, hist[2].SimulationBalanceAfter.Equal(decimal.RequireFromString("102.5")))

		// A new generation starts an empty series and keeps the old one.
		next := Position("u1", "alpha", 3)
		next.Generation = 2
		require.NoError(t, s.Apply(ctx, &storage.Commit{
			Position:    next,
			PrevVersion: 2,
			Appended:    []domain.DailyRecord{Record(0, "100")},
		}))

		hist, err = s.History(ctx, key, 0)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, 0, hist[0].Day)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Len(t, got.History, 1)

		old, err := s.History(ctx, key, 1)
		require.NoError(t, err)
		assert.Len(t, old, 3)

		none, err := s.History(ctx, key, 7)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListByUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, bot := range []string{"gamma", "alpha", "beta"} {
			require.NoError(t, s.Apply(ctx, &storage.Commit{
				Position: Position("u1", bot, 1),
				Appended: []domain.DailyRecord{Record(0, "100")},
			}))
		}
		require.NoError(t, s.Apply(ctx, &storage.Commit{Position: Position("u2", "alpha", 1)}))

		list, err := s.ListByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "alpha", list[0].BotID)
		assert.Equal(t, "beta", list[1].BotID)
		assert.Equal(t, "gamma", list[2].BotID)
		for _, p := range list {
			assert.Empty(t, p.History)
		}

		list, err = s.ListByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("TransactionLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		tx := Transaction("tx-1", "key-1", "u1", "alpha")
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: tx}))

		// Same id or same idempotency key is rejected.
		err := s.Apply(ctx, &storage.Commit{Transaction: Transaction("tx-1", "key-2", "u1", "alpha")})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
		err = s.Apply(ctx, &storage.Commit{Transaction: Transaction("tx-2", "key-1", "u1", "alpha")})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)

		submitted := tx.Clone()
		submitted.Status = domain.TxStatusSubmitted
		submitted.ExternalReference = "sig-1"
		at := baseTime.Add(time.Minute)
		submitted.SubmittedAt = &at
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: submitted, PrevStatus: domain.TxStatusCreated}))

		// Stale status.
		err = s.Apply(ctx, &storage.Commit{Transaction: submitted, PrevStatus: domain.TxStatusCreated})
		assert.ErrorIs(t, err, storage.ErrConflict)

		got, err := s.GetTransactionByExternalRef(ctx, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.ID)
		assert.Equal(t, domain.TxStatusSubmitted, got.Status)
		require.NotNil(t, got.SubmittedAt)
		assert.True(t, got.SubmittedAt.Equal(at))

		got, err = s.GetTransactionByKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.ID)

		list, err := s.ListTransactionsByStatus(ctx, domain.TxStatusSubmitted, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "tx-1", list[0].ID)

		list, err = s.ListTransactionsByStatus(ctx, domain.TxStatusCreated, 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ConfirmAppliesBothOrNeither", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		tx := Transaction("tx-1", "key-1", "u1", "alpha")
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: tx}))
		require.NoError(t, s.Apply(ctx, &storage.Commit{Position: Position("u1", "alpha", 1)}))

		confirmed := tx.Clone()
		confirmed.Status = domain.TxStatusConfirmed
		confirmed.SettledAmount = confirmed.Amount

		// Position precondition fails: the transaction must stay Created.
		err := s.Apply(ctx, &storage.Commit{
			Position:    Position("u1", "alpha", 5),
			PrevVersion: 4,
			Transaction: confirmed,
			PrevStatus:  domain.TxStatusCreated,
		})
		assert.ErrorIs(t, err, storage.ErrConflict)

		got, err := s.GetTransaction(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusCreated, got.Status)

		require.NoError(t, s.Apply(ctx, &storage.Commit{
			Position:    Position("u1", "alpha", 2),
			PrevVersion: 1,
			Transaction: confirmed,
			PrevStatus:  domain.TxStatusCreated,
		}))

		got, err = s.GetTransaction(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusConfirmed, got.Status)
		assert.True(t, got.SettledAmount.Equal(decimal.RequireFromString("10")))

		p, err := s.Get(ctx, domain.PositionKey{UserID: "u1", BotID: "alpha"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.Version)
	})

	t.Run("ListTransactionsLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
			tx := Transaction(id, "key-"+id, "u1", "alpha")
			tx.CreatedAt = baseTime.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: tx}))
		}

		list, err := s.ListTransactionsByStatus(ctx, domain.TxStatusCreated, 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "tx-a", list[0].ID)
		assert.Equal(t, "tx-b", list[1].ID)
	})

	t.Run("ListOpenTransactions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := domain.PositionKey{UserID: "u1", BotID: "alpha"}

		for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
			tx := Transaction(id, "key-"+id, "u1", "alpha")
			tx.CreatedAt = baseTime.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: tx}))
		}
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: Transaction("tx-other", "key-other", "u2", "alpha")}))

		submitted := Transaction("tx-b", "key-tx-b", "u1", "alpha")
		submitted.CreatedAt = baseTime.Add(time.Second)
		submitted.Status = domain.TxStatusSubmitted
		submitted.ExternalReference = "sig-b"
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: submitted, PrevStatus: domain.TxStatusCreated}))

		failed := Transaction("tx-c", "key-tx-c", "u1", "alpha")
		failed.CreatedAt = baseTime.Add(2 * time.Second)
		failed.Status = domain.TxStatusFailed
		failed.FailureReason = "cancelled"
		require.NoError(t, s.Apply(ctx, &storage.Commit{Transaction: failed, PrevStatus: domain.TxStatusCreated}))

		open, err := s.ListOpenTransactions(ctx, key)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "tx-a", open[0].ID)
		assert.Equal(t, "tx-b", open[1].ID)
		assert.Equal(t, domain.TxStatusSubmitted, open[1].Status)

		open, err = s.ListOpenTransactions(ctx, domain.PositionKey{UserID: "nobody", BotID: "alpha"})
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}
