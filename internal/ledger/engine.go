// Package ledger is the per-(user, bot) position state machine.
//
// Every mutation runs under an exclusive per-position lock, computes the full
// next state with a pure Plan function, and persists it with a single
// storage.Commit. Readers never take the lock; stores hand out copies.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/observability"
	"commission-ledger/internal/returns"
	"commission-ledger/internal/storage"
)

// DefaultLockTimeout bounds the wait for a position lock.
const DefaultLockTimeout = 2 * time.Second

// Schedules looks up the rate schedule of a bot.
type Schedules interface {
	Schedule(botID string) (*domain.RateSchedule, error)
}

// Options contains configuration for creating an Engine.
type Options struct {
	Store     storage.LedgerStore
	Schedules Schedules
	Returns   returns.Source

	// Sink receives committed daily records. Optional.
	Sink storage.RecordSink

	LockTimeout time.Duration
	Clock       func() time.Time // record timestamps only
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Engine applies ledger operations.
type Engine struct {
	store       storage.LedgerStore
	schedules   Schedules
	returns     returns.Source
	sink        storage.RecordSink
	locks       *lockTable
	lockTimeout time.Duration
	clock       func() time.Time
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Schedules == nil || opts.Returns == nil {
		return nil, errors.New("ledger: store, schedules and returns are required")
	}

	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		store:       opts.Store,
		schedules:   opts.Schedules,
		returns:     opts.Returns,
		sink:        opts.Sink,
		locks:       newLockTable(),
		lockTimeout: lockTimeout,
		clock:       clock,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "ledger"),
	}, nil
}

// Mutation computes the change to a position. cur is nil when none exists.
// A nil Commit with a nil error applies nothing.
type Mutation func(ctx context.Context, cur *domain.Position, s *domain.RateSchedule, now time.Time) (*storage.Commit, error)

// Mutate runs fn under the position lock and commits its result atomically.
// Returns the committed position, or the current one when fn commits nothing
// or fails; callers such as a repeated confirmation report it with the error.
func (e *Engine) Mutate(ctx context.Context, key domain.PositionKey, op string, fn Mutation) (p *domain.Position, err error) {
	defer func() { e.metrics.RecordOperation(op, err) }()

	s, err := e.schedules.Schedule(key.BotID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}

	start := time.Now()
	release, err := e.locks.acquire(ctx, key, e.lockTimeout)
	e.metrics.RecordLockWait(time.Since(start), err != nil)
	if err != nil {
		e.logger.Warn("lock contention", "op", op, "position", key.String(), "error", err)
		return nil, err
	}
	defer release()

	cur, err := e.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}

	c, err := fn(ctx, cur, s, e.clock())
	if err != nil {
		return cur, err
	}
	if c == nil {
		return cur, nil
	}

	if err := e.store.Apply(ctx, c); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrContention, op, key, err)
		}
		return nil, fmt.Errorf("%s %s: commit: %w", op, key, err)
	}

	if c.Position == nil {
		return cur, nil
	}
	e.publish(ctx, c)
	return c.Position.Clone(), nil
}

// load returns the current position or nil.
func (e *Engine) load(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	cur, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return cur, err
}

// publish forwards appended records to the sink. Sink failures are logged;
// the ledger commit is already durable.
func (e *Engine) publish(ctx context.Context, c *storage.Commit) {
	if e.sink == nil || len(c.Appended) == 0 {
		return
	}
	p := c.Position
	if err := e.sink.AppendRecords(ctx, p.Key(), p.Generation, c.Appended); err != nil {
		e.logger.Error("record sink failed", "position", p.Key().String(), "generation", p.Generation, "error", err)
	}
}

// PendingWithdrawal returns the Created or Submitted withdrawal of a
// position, or nil when there is none.
func PendingWithdrawal(ctx context.Context, txs storage.TransactionStore, key domain.PositionKey) (*domain.PendingTransaction, error) {
	open, err := txs.ListOpenTransactions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list open transactions of %s: %w", key, err)
	}
	for _, t := range open {
		if t.Kind == domain.TxKindWithdraw {
			return t, nil
		}
	}
	return nil, nil
}

// checkNoWithdrawal rejects changes to the commission balance other than
// credits while a withdrawal of it is outstanding.
func (e *Engine) checkNoWithdrawal(ctx context.Context, key domain.PositionKey) error {
	t, err := PendingWithdrawal(ctx, e.store, key)
	if err != nil {
		return err
	}
	if t != nil {
		return fmt.Errorf("%w: %s is %s", ErrWithdrawalPending, t.ID, t.Status)
	}
	return nil
}

// Activate opens a position with a confirmed initial deposit.
func (e *Engine) Activate(ctx context.Context, userID, botID string, amount decimal.Decimal) (*domain.Position, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}
	p, err := e.Mutate(ctx, key, "activate", func(_ context.Context, cur *domain.Position, s *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		return PlanActivate(key, cur, s, amount, now)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("position activated", "position", key.String(), "deposit", amount.String(), "generation", p.Generation)
	return p, nil
}

// Topup credits a confirmed top-up.
func (e *Engine) Topup(ctx context.Context, userID, botID string, amount decimal.Decimal) (*domain.Position, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}
	p, err := e.Mutate(ctx, key, "topup", func(_ context.Context, cur *domain.Position, _ *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		return PlanTopup(cur, amount, now)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("position topped up", "position", key.String(), "amount", amount.String(), "commission_balance", p.CommissionBalance.String())
	return p, nil
}

// AdvanceDay simulates one day and charges its commission.
func (e *Engine) AdvanceDay(ctx context.Context, userID, botID string) (*domain.DailyRecord, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}

	var rec *domain.DailyRecord
	p, err := e.Mutate(ctx, key, "advance_day", func(ctx context.Context, cur *domain.Position, s *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		// No return is drawn for a position that cannot advance.
		if err := checkAccessible(cur); err != nil {
			return nil, err
		}
		if err := e.checkNoWithdrawal(ctx, key); err != nil {
			return nil, err
		}
		r, err := e.returns.NextReturn()
		if err != nil {
			return nil, fmt.Errorf("draw return: %w", err)
		}
		c, day, err := PlanDay(cur, s, r, now)
		rec = day
		return c, err
	})
	if err != nil {
		return nil, err
	}

	depleted := p.State == domain.StateDepleted
	e.metrics.RecordDay(botID, rec.DeveloperFee.InexactFloat64(), rec.PlatformFee.InexactFloat64(), rec.FeeForgone.InexactFloat64(), depleted)
	e.logger.Debug("day advanced", "position", key.String(), "day", rec.Day,
		"return", rec.PerformancePercent.String(), "fee", rec.TotalFee.String())
	if depleted {
		e.logger.Info("position depleted", "position", key.String(), "day", rec.Day, "fee_forgone", rec.FeeForgone.String())
	}
	return rec, nil
}

// WithdrawResult is the outcome of Withdraw.
type WithdrawResult struct {
	Amount   decimal.Decimal
	Position *domain.Position
}

// Withdraw pays out the commission balance and closes the position.
func (e *Engine) Withdraw(ctx context.Context, userID, botID string) (*WithdrawResult, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}

	var amount decimal.Decimal
	p, err := e.Mutate(ctx, key, "withdraw", func(ctx context.Context, cur *domain.Position, _ *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		if err := e.checkNoWithdrawal(ctx, key); err != nil {
			return nil, err
		}
		c, a, err := PlanWithdraw(cur, now)
		amount = a
		return c, err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("position closed", "position", key.String(), "withdrawn", amount.String())
	return &WithdrawResult{Amount: amount, Position: p}, nil
}

// ResetResult is the outcome of Reset.
type ResetResult struct {
	Refunded decimal.Decimal
	Position *domain.Position
}

// Reset refunds the commission balance and returns the position to day 0.
func (e *Engine) Reset(ctx context.Context, userID, botID string) (*ResetResult, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}

	var refund decimal.Decimal
	p, err := e.Mutate(ctx, key, "reset", func(ctx context.Context, cur *domain.Position, _ *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		if err := e.checkNoWithdrawal(ctx, key); err != nil {
			return nil, err
		}
		c, r, err := PlanReset(cur, now)
		refund = r
		return c, err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("position reset", "position", key.String(), "refunded", refund.String())
	return &ResetResult{Refunded: refund, Position: p}, nil
}
