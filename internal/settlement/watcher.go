// Package settlement moves submitted transactions to Confirmed or Failed
// from what the network reports about their signatures.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/observability"
	"commission-ledger/internal/reconcile"
	"commission-ledger/internal/solana"
)

// Reconciler is the part of reconcile.Reconciler the watcher drives.
type Reconciler interface {
	ListSubmitted(ctx context.Context, limit int) ([]*domain.PendingTransaction, error)
	Confirm(ctx context.Context, ref string) (*reconcile.ConfirmResult, error)
	Fail(ctx context.Context, ref, reason string) (*domain.PendingTransaction, error)
}

// Options contains configuration for creating a Watcher.
type Options struct {
	Reconciler Reconciler
	RPC        solana.RPCClient
	Schedules  ledger.Schedules

	// WS enables immediate settlement through signature subscriptions. Optional.
	WS solana.WSClient

	// Interval between polls. Default: 10s.
	Interval time.Duration
	// BatchSize is the number of submitted transactions read per poll. Default: 256.
	BatchSize int
	// MaxPending fails a transaction the network still does not know after
	// this long since submission. 0 disables expiry.
	MaxPending time.Duration
	// VerifyTransfers checks the finalized transaction moved the prepared
	// amount to the expected account before confirming.
	VerifyTransfers bool

	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Watcher polls the network for submitted transactions.
type Watcher struct {
	reconciler Reconciler
	rpc        solana.RPCClient
	ws         solana.WSClient
	schedules  ledger.Schedules
	interval   time.Duration
	batchSize  int
	maxPending time.Duration
	verify     bool
	clock      func() time.Time
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates a Watcher.
func New(opts Options) (*Watcher, error) {
	if opts.Reconciler == nil || opts.RPC == nil {
		return nil, errors.New("settlement: reconciler and rpc are required")
	}
	if opts.VerifyTransfers && opts.Schedules == nil {
		return nil, errors.New("settlement: transfer verification needs schedules")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > solana.MaxSignaturesPerStatusRequest {
		batchSize = solana.MaxSignaturesPerStatusRequest
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Watcher{
		reconciler: opts.Reconciler,
		rpc:        opts.RPC,
		ws:         opts.WS,
		schedules:  opts.Schedules,
		interval:   interval,
		batchSize:  batchSize,
		maxPending: opts.MaxPending,
		verify:     opts.VerifyTransfers,
		clock:      clock,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "settlement"),
	}, nil
}

// Ready checks that the RPC endpoint answers.
func (w *Watcher) Ready(ctx context.Context) error {
	if _, err := w.rpc.GetSlot(ctx); err != nil {
		return fmt.Errorf("rpc not ready: %w", err)
	}
	return nil
}

// PollResult contains statistics from one poll.
type PollResult struct {
	Checked   int
	Confirmed int
	Failed    int
	Pending   int
	Errors    int
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("settlement watcher started", "interval", w.interval)
	for {
		if res, err := w.PollOnce(ctx); err != nil {
			w.logger.Error("settlement poll failed", "error", err)
		} else if res.Checked > 0 {
			w.logger.Info("settlement poll", "checked", res.Checked, "confirmed", res.Confirmed,
				"failed", res.Failed, "pending", res.Pending, "errors", res.Errors)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("settlement watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce checks one batch of submitted transactions.
func (w *Watcher) PollOnce(ctx context.Context) (res *PollResult, err error) {
	defer func() { w.metrics.RecordSettlementPoll(err) }()

	txs, err := w.reconciler.ListSubmitted(ctx, w.batchSize)
	if err != nil {
		return nil, err
	}
	res = &PollResult{Checked: len(txs)}
	if len(txs) == 0 {
		return res, nil
	}

	sigs := make([]string, len(txs))
	for i, tx := range txs {
		sigs[i] = tx.ExternalReference
	}
	statuses, err := w.rpc.GetSignatureStatuses(ctx, sigs)
	if err != nil {
		return nil, fmt.Errorf("get signature statuses: %w", err)
	}

	for i, tx := range txs {
		st := statuses[i]
		switch {
		case st == nil:
			if w.expired(tx) {
				w.count(res, w.fail(ctx, tx, fmt.Sprintf("not seen by the network after %s", w.maxPending)))
				continue
			}
			res.Pending++
		case st.Failed():
			w.count(res, w.fail(ctx, tx, fmt.Sprintf("transaction error: %v", st.Err)))
		case st.Finalized():
			w.count(res, w.settle(ctx, tx))
		default:
			res.Pending++
		}
	}
	return res, nil
}

// Watch subscribes to the signature of tx and settles it as soon as the
// network finalizes it. Without a WebSocket client it does nothing and the
// next poll picks the transaction up.
func (w *Watcher) Watch(ctx context.Context, tx *domain.PendingTransaction) error {
	if w.ws == nil || tx.ExternalReference == "" {
		return nil
	}

	ch, err := w.ws.SubscribeSignature(ctx, tx.ExternalReference)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", tx.ExternalReference, err)
	}

	go func() {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Err != nil {
				w.fail(ctx, tx, fmt.Sprintf("transaction error: %v", n.Err))
				return
			}
			w.settle(ctx, tx)
		case <-ctx.Done():
		}
	}()
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeConfirmed
	outcomeFailed
	outcomeError
)

func (w *Watcher) count(res *PollResult, o outcome) {
	switch o {
	case outcomeConfirmed:
		res.Confirmed++
	case outcomeFailed:
		res.Failed++
	case outcomeError:
		res.Errors++
	}
}

func (w *Watcher) expired(tx *domain.PendingTransaction) bool {
	return w.maxPending > 0 && tx.SubmittedAt != nil && w.clock().Sub(*tx.SubmittedAt) > w.maxPending
}

// settle confirms a finalized transaction, after verifying the transfer when enabled.
func (w *Watcher) settle(ctx context.Context, tx *domain.PendingTransaction) outcome {
	if w.verify {
		if reason, err := w.verifyTransfer(ctx, tx); err != nil {
			w.logger.Warn("transfer verification failed", "tx", tx.ID, "error", err)
			return outcomeError
		} else if reason != "" {
			return w.fail(ctx, tx, reason)
		}
	}

	_, err := w.reconciler.Confirm(ctx, tx.ID)
	switch {
	case err == nil:
		return outcomeConfirmed
	case errors.Is(err, ledger.ErrAlreadyConfirmed):
		return outcomeNone
	case errors.Is(err, reconcile.ErrSettlementRejected):
		w.logger.Warn("settled transaction rejected by ledger", "tx", tx.ID, "signature", tx.ExternalReference, "error", err)
		return outcomeFailed
	default:
		w.logger.Warn("confirm failed", "tx", tx.ID, "signature", tx.ExternalReference, "error", err)
		return outcomeError
	}
}

func (w *Watcher) fail(ctx context.Context, tx *domain.PendingTransaction, reason string) outcome {
	if _, err := w.reconciler.Fail(ctx, tx.ID, reason); err != nil {
		w.logger.Warn("fail transaction failed", "tx", tx.ID, "error", err)
		return outcomeError
	}
	w.logger.Info("transaction failed on network", "tx", tx.ID, "signature", tx.ExternalReference, "reason", reason)
	return outcomeFailed
}

// verifyTransfer returns a non-empty reason when the finalized transaction
// does not credit the expected account with the prepared amount.
func (w *Watcher) verifyTransfer(ctx context.Context, tx *domain.PendingTransaction) (string, error) {
	s, err := w.schedules.Schedule(tx.BotID)
	if err != nil {
		return "", err
	}
	onchain, err := w.rpc.GetTransaction(ctx, tx.ExternalReference)
	if err != nil {
		return "", fmt.Errorf("get transaction: %w", err)
	}
	if onchain == nil {
		return "", fmt.Errorf("finalized transaction %s not returned", tx.ExternalReference)
	}

	account := s.DepositAddress
	if tx.Kind == domain.TxKindWithdraw {
		account = tx.UserID
	}
	want, err := solana.ToLamports(tx.Amount)
	if err != nil {
		return "", err
	}

	got, ok := onchain.BalanceChange(account)
	if !ok {
		return fmt.Sprintf("transfer does not involve %s", account), nil
	}
	if got != want {
		return fmt.Sprintf("transfer moved %s, expected %s", solana.FromLamports(got), tx.Amount), nil
	}
	return "", nil
}
