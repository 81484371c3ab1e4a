// Package reconcile tracks externally settled transfers and applies their
// ledger effect exactly once, when the transfer is confirmed.
//
// Lifecycle: Prepare (Created) → MarkSubmitted (Submitted) → Confirm
// (Confirmed) or Fail/Cancel (Failed). Only Confirm changes balances, and it
// commits the position change and the status change together. An open
// withdrawal holds the position: no day advances and no other debit runs
// until it is confirmed or failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/idhash"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/observability"
	"commission-ledger/internal/storage"
)

// DefaultNetwork is the network named in descriptors when none is configured.
const DefaultNetwork = "devnet"

// statusRetries bounds re-reads when a status change races another writer.
const statusRetries = 3

// Ledger is the part of the engine the reconciler drives.
type Ledger interface {
	Mutate(ctx context.Context, key domain.PositionKey, op string, fn ledger.Mutation) (*domain.Position, error)
	GetPosition(ctx context.Context, userID, botID string) (*domain.Position, error)
}

// Options contains configuration for creating a Reconciler.
type Options struct {
	Store     storage.LedgerStore
	Ledger    Ledger
	Schedules ledger.Schedules

	Network string
	Clock   func() time.Time
	NewID   func() string
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Reconciler implements the settlement state machine.
type Reconciler struct {
	store     storage.LedgerStore
	ledger    Ledger
	schedules ledger.Schedules
	network   string
	clock     func() time.Time
	newID     func() string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Schedules == nil {
		return nil, errors.New("reconcile: store, ledger and schedules are required")
	}

	r := &Reconciler{
		store:     opts.Store,
		ledger:    opts.Ledger,
		schedules: opts.Schedules,
		network:   opts.Network,
		clock:     opts.Clock,
		newID:     opts.NewID,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if r.network == "" {
		r.network = DefaultNetwork
	}
	if r.clock == nil {
		r.clock = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r, nil
}

// Request describes a transfer to prepare.
type Request struct {
	UserID string
	BotID  string
	Kind   domain.TxKind
	// Amount is ignored for withdrawals, which always pay out the commission balance.
	Amount decimal.Decimal
	// Nonce distinguishes otherwise identical requests. Repeating a request
	// with the same nonce returns the transaction prepared first.
	Nonce string
}

// PositionKey returns the key of the position req is for.
func (req Request) PositionKey() domain.PositionKey {
	return domain.PositionKey{UserID: req.UserID, BotID: req.BotID}
}

// UnsignedDescriptor is what the external signer needs to build the transfer.
type UnsignedDescriptor struct {
	TransactionID string
	Kind          domain.TxKind
	Source        string
	Destination   string
	Amount        decimal.Decimal
	Memo          string // idempotency key
	Network       string
}

// Prepare validates req and records a Created transaction.
//
// Inflows do not change the position. A withdrawal is recorded under the
// position lock together with a version bump of the position, and at most one
// may be open per position. A withdrawal of an empty balance needs no transfer:
// it closes the position and is recorded as Confirmed at once.
func (r *Reconciler) Prepare(ctx context.Context, req Request) (*domain.PendingTransaction, *UnsignedDescriptor, error) {
	if !req.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	s, err := r.schedules.Schedule(req.BotID)
	if err != nil {
		return nil, nil, err
	}
	if req.Kind == domain.TxKindWithdraw {
		return r.prepareWithdraw(ctx, req, s)
	}

	amount, err := r.validate(ctx, req, s)
	if err != nil {
		return nil, nil, err
	}

	key := idhash.ComputeIdempotencyKey(req.UserID, req.BotID, req.Kind, amount, req.Nonce)
	if existing, err := r.store.GetTransactionByKey(ctx, key); err == nil {
		return existing, describe(existing, s, r.network), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	tx := r.newTransaction(req, key, amount)
	if err := r.store.Apply(ctx, &storage.Commit{Transaction: tx}); err != nil {
		return r.prepareRaced(ctx, key, s, fmt.Errorf("insert transaction: %w", err))
	}

	r.prepared(tx)
	return tx.Clone(), describe(tx, s, r.network), nil
}

func (r *Reconciler) prepareWithdraw(ctx context.Context, req Request, s *domain.RateSchedule) (*domain.PendingTransaction, *UnsignedDescriptor, error) {
	var (
		tx     *domain.PendingTransaction
		reused bool
		key    string
	)
	_, err := r.ledger.Mutate(ctx, req.PositionKey(), "prepare_withdraw", func(ctx context.Context, cur *domain.Position, _ *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		if err := checkOpen(req, cur); err != nil {
			return nil, err
		}

		amount := cur.CommissionBalance
		key = idhash.ComputeIdempotencyKey(req.UserID, req.BotID, req.Kind, amount, req.Nonce)
		if existing, err := r.store.GetTransactionByKey(ctx, key); err == nil {
			tx, reused = existing, true
			return nil, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}

		pending, err := ledger.PendingWithdrawal(ctx, r.store, cur.Key())
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return nil, fmt.Errorf("%w: %s is %s", ledger.ErrWithdrawalPending, pending.ID, pending.Status)
		}

		tx = r.newTransaction(req, key, amount)
		if amount.IsZero() {
			c, _, err := ledger.PlanWithdraw(cur, now)
			if err != nil {
				return nil, err
			}
			tx.Status = domain.TxStatusConfirmed
			tx.ResolvedAt = &now
			c.Transaction = tx
			return c, nil
		}

		c, err := ledger.PlanWithdrawRequest(cur, now)
		if err != nil {
			return nil, err
		}
		c.Transaction = tx
		return c, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return r.prepareRaced(ctx, key, s, err)
		}
		return nil, nil, err
	}
	if reused {
		return tx, describe(tx, s, r.network), nil
	}

	r.prepared(tx)
	return tx.Clone(), describe(tx, s, r.network), nil
}

// prepareRaced returns the transaction a concurrent Prepare with the same key
// inserted first, or err when there is none.
func (r *Reconciler) prepareRaced(ctx context.Context, key string, s *domain.RateSchedule, err error) (*domain.PendingTransaction, *UnsignedDescriptor, error) {
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return nil, nil, err
	}
	existing, getErr := r.store.GetTransactionByKey(ctx, key)
	if getErr != nil {
		return nil, nil, err
	}
	return existing, describe(existing, s, r.network), nil
}

func (r *Reconciler) newTransaction(req Request, key string, amount decimal.Decimal) *domain.PendingTransaction {
	return &domain.PendingTransaction{
		ID:             r.newID(),
		IdempotencyKey: key,
		UserID:         req.UserID,
		BotID:          req.BotID,
		Kind:           req.Kind,
		Amount:         amount,
		SettledAmount:  decimal.Zero,
		Status:         domain.TxStatusCreated,
		CreatedAt:      r.clock(),
	}
}

func (r *Reconciler) prepared(tx *domain.PendingTransaction) {
	r.metrics.RecordTransaction(string(tx.Kind), string(tx.Status))
	r.logger.Info("transaction prepared", "tx", tx.ID, "position", tx.PositionKey().String(),
		"kind", tx.Kind, "amount", tx.Amount.String(), "status", tx.Status)
}

// validate checks an inflow against the schedule and the current position
// and returns the amount the transaction carries.
func (r *Reconciler) validate(ctx context.Context, req Request, s *domain.RateSchedule) (decimal.Decimal, error) {
	cur, err := r.ledger.GetPosition(ctx, req.UserID, req.BotID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero, err
	}

	if err := checkAmount(req.Amount); err != nil {
		return decimal.Zero, err
	}
	if req.Kind == domain.TxKindTopup {
		if err := checkOpen(req, cur); err != nil {
			return decimal.Zero, err
		}
		return req.Amount, nil
	}

	if req.Amount.LessThan(s.MinDeposit) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ledger.ErrBelowMinimumDeposit, req.Amount, s.MinDeposit)
	}
	if cur != nil && (cur.State == domain.StateActive || cur.State == domain.StateDepleted) {
		return decimal.Zero, fmt.Errorf("%w: %s is %s, use a top-up", ledger.ErrAlreadyActive, cur.Key(), cur.State)
	}
	return req.Amount, nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(domain.RoundAmount(amount)) {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}
	return nil
}

func checkOpen(req Request, cur *domain.Position) error {
	if cur == nil {
		return fmt.Errorf("%w: %s/%s", ledger.ErrNotFound, req.UserID, req.BotID)
	}
	if cur.State != domain.StateActive && cur.State != domain.StateDepleted {
		return fmt.Errorf("%w: %s from %s", ledger.ErrInvalidTransition, req.Kind, cur.State)
	}
	return nil
}

// describe builds the descriptor of tx. Inflows go from the user to the bot's
// deposit address, withdrawals the other way. Nothing is transferred for an
// empty withdrawal and describe returns nil.
func describe(tx *domain.PendingTransaction, s *domain.RateSchedule, network string) *UnsignedDescriptor {
	if tx.Amount.IsZero() {
		return nil
	}
	d := &UnsignedDescriptor{
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		Source:        tx.UserID,
		Destination:   s.DepositAddress,
		Amount:        tx.Amount,
		Memo:          tx.IdempotencyKey,
		Network:       network,
	}
	if tx.Kind == domain.TxKindWithdraw {
		d.Source, d.Destination = s.DepositAddress, tx.UserID
	}
	return d
}

// Get returns the transaction with the given id or settlement reference.
func (r *Reconciler) Get(ctx context.Context, ref string) (*domain.PendingTransaction, error) {
	tx, err := r.store.GetTransaction(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		tx, err = r.store.GetTransactionByExternalRef(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", ref, err)
	}
	return tx, nil
}

// ListSubmitted returns submitted transactions, oldest first.
func (r *Reconciler) ListSubmitted(ctx context.Context, limit int) ([]*domain.PendingTransaction, error) {
	txs, err := r.store.ListTransactionsByStatus(ctx, domain.TxStatusSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted transactions: %w", err)
	}
	return txs, nil
}

// MarkSubmitted records the settlement reference of a Created transaction.
// Repeating the call with the same reference is a no-op.
func (r *Reconciler) MarkSubmitted(ctx context.Context, ref, externalRef string) (*domain.PendingTransaction, error) {
	if externalRef == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidReference)
	}

	tx, err := r.updateStatus(ctx, ref, func(tx *domain.PendingTransaction, now time.Time) (bool, error) {
		switch tx.Status {
		case domain.TxStatusCreated:
		case domain.TxStatusSubmitted:
			if tx.ExternalReference == externalRef {
				return false, nil
			}
			return false, fmt.Errorf("%w: already submitted as %s", ledger.ErrInvalidTransition, tx.ExternalReference)
		case domain.TxStatusConfirmed:
			return false, ledger.ErrAlreadyConfirmed
		default:
			return false, fmt.Errorf("%w: submit from %s", ledger.ErrInvalidTransition, tx.Status)
		}
		tx.Status = domain.TxStatusSubmitted
		tx.ExternalReference = externalRef
		tx.SubmittedAt = &now
		return true, nil
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		return nil, fmt.Errorf("%w: %s is used by another transaction", ErrInvalidReference, externalRef)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("transaction submitted", "tx", tx.ID, "reference", externalRef)
	return tx, nil
}

// Fail marks a transaction that did not settle. It has no ledger effect;
// failing an already failed transaction is a no-op.
func (r *Reconciler) Fail(ctx context.Context, ref, reason string) (*domain.PendingTransaction, error) {
	tx, err := r.updateStatus(ctx, ref, func(tx *domain.PendingTransaction, now time.Time) (bool, error) {
		switch tx.Status {
		case domain.TxStatusFailed:
			return false, nil
		case domain.TxStatusConfirmed:
			return false, ledger.ErrAlreadyConfirmed
		}
		tx.Status = domain.TxStatusFailed
		tx.FailureReason = reason
		tx.ResolvedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("transaction failed", "tx", tx.ID, "reason", tx.FailureReason)
	return tx, nil
}

// Cancel abandons a transaction before confirmation.
func (r *Reconciler) Cancel(ctx context.Context, ref string) (*domain.PendingTransaction, error) {
	return r.Fail(ctx, ref, "cancelled")
}

// updateStatus applies a transaction-only change, re-reading when another
// writer changed the status first. change reports whether anything changed.
func (r *Reconciler) updateStatus(ctx context.Context, ref string, change func(tx *domain.PendingTransaction, now time.Time) (bool, error)) (*domain.PendingTransaction, error) {
	for attempt := 0; ; attempt++ {
		cur, err := r.Get(ctx, ref)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		changed, err := change(next, r.clock())
		if err != nil {
			return cur, fmt.Errorf("transaction %s: %w", cur.ID, err)
		}
		if !changed {
			return cur, nil
		}

		err = r.store.Apply(ctx, &storage.Commit{Transaction: next, PrevStatus: cur.Status})
		if err == nil {
			r.metrics.RecordTransaction(string(next.Kind), string(next.Status))
			return next, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt+1 >= statusRetries {
			if errors.Is(err, storage.ErrConflict) {
				return nil, fmt.Errorf("%w: transaction %s: %w", ledger.ErrContention, cur.ID, err)
			}
			return nil, fmt.Errorf("transaction %s: %w", cur.ID, err)
		}
	}
}

// ConfirmResult is the outcome of Confirm.
type ConfirmResult struct {
	Transaction *domain.PendingTransaction
	Position    *domain.Position
}

// Confirm applies the ledger effect of a submitted transaction and marks it
// Confirmed, in one commit. Confirming again returns the current state with
// ledger.ErrAlreadyConfirmed and changes nothing.
//
// A confirmed inflow activates the position when it is not open and tops it
// up otherwise, so settled funds are always credited. A confirmed withdrawal
// debits exactly the amount it was prepared with.
//
// When the ledger cannot take the settled transfer, the transaction is marked
// Failed with its settled amount and a refund-owed reason in the same commit,
// and ErrSettlementRejected is returned with the result.
func (r *Reconciler) Confirm(ctx context.Context, ref string) (*ConfirmResult, error) {
	found, err := r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	var (
		confirmed *domain.PendingTransaction
		rejected  error
	)
	p, err := r.ledger.Mutate(ctx, found.PositionKey(), "confirm", func(ctx context.Context, cur *domain.Position, s *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
		// Re-read under the position lock.
		tx, err := r.store.GetTransaction(ctx, found.ID)
		if err != nil {
			return nil, fmt.Errorf("reload transaction %s: %w", found.ID, err)
		}
		confirmed = tx

		switch tx.Status {
		case domain.TxStatusSubmitted:
		case domain.TxStatusConfirmed:
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrAlreadyConfirmed)
		default:
			return nil, fmt.Errorf("%w: confirm transaction %s from %s", ledger.ErrInvalidTransition, tx.ID, tx.Status)
		}

		next := tx.Clone()
		next.SettledAmount = tx.Amount
		next.ResolvedAt = &now

		c, err := plan(tx, cur, s, now)
		if err != nil {
			if !unappliable(err) {
				return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
			}
			next.Status = domain.TxStatusFailed
			next.FailureReason = RefundOwed + ": " + err.Error()
			confirmed = next
			rejected = fmt.Errorf("%w: transaction %s: %w", ErrSettlementRejected, tx.ID, err)
			return &storage.Commit{Transaction: next, PrevStatus: tx.Status}, nil
		}

		next.Status = domain.TxStatusConfirmed
		c.Transaction = next
		c.PrevStatus = tx.Status
		confirmed = next
		return c, nil
	})
	if errors.Is(err, ledger.ErrAlreadyConfirmed) {
		return &ConfirmResult{Transaction: confirmed, Position: p}, err
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordTransaction(string(confirmed.Kind), string(confirmed.Status))
	if rejected != nil {
		r.logger.Warn("settled transaction not applied", "tx", confirmed.ID, "position", confirmed.PositionKey().String(),
			"kind", confirmed.Kind, "settled", confirmed.SettledAmount.String(), "reason", confirmed.FailureReason)
		return &ConfirmResult{Transaction: confirmed, Position: p}, rejected
	}
	r.logger.Info("transaction confirmed", "tx", confirmed.ID, "position", confirmed.PositionKey().String(),
		"kind", confirmed.Kind, "settled", confirmed.SettledAmount.String())
	return &ConfirmResult{Transaction: confirmed, Position: p}, nil
}

// unappliable reports whether err means the position can never take the
// transfer, as opposed to a failure worth retrying.
func unappliable(err error) bool {
	return ledger.IsValidation(err) ||
		errors.Is(err, ledger.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrNotFound)
}

// plan returns the position change of a confirmed transaction.
func plan(tx *domain.PendingTransaction, cur *domain.Position, s *domain.RateSchedule, now time.Time) (*storage.Commit, error) {
	if tx.Kind == domain.TxKindWithdraw {
		return ledger.PlanPayout(cur, tx.Amount, now)
	}

	if cur != nil && (cur.State == domain.StateActive || cur.State == domain.StateDepleted) {
		return ledger.PlanTopup(cur, tx.Amount, now)
	}
	return ledger.PlanActivate(tx.PositionKey(), cur, s, tx.Amount, now)
}
