package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commission-ledger/internal/catalog"
	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/returns"
	"commission-ledger/internal/storage/memory"
)

const (
	user = "BQvAnftbC2ce31N6gEH7QtBGor96K5ALRFVZ2j6mCCr5"
	bot  = "bot-alpha"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	rec    *Reconciler
	engine *ledger.Engine
	cat    *catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewLedgerStore()
	cat := catalog.Default()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	engine, err := ledger.New(ledger.Options{
		Store:     store,
		Schedules: cat,
		Returns:   returns.NewCycle(d("5")),
		Clock:     func() time.Time { return now },
	})
	require.NoError(t, err)

	var seq atomic.Int64
	rec, err := New(Options{
		Store:     store,
		Ledger:    engine,
		Schedules: cat,
		Clock:     func() time.Time { return now },
		NewID:     func() string { return fmt.Sprintf("tx-%d", seq.Add(1)) },
	})
	require.NoError(t, err)
	return &fixture{rec: rec, engine: engine, cat: cat}
}

// settle runs a request through prepare, submit and confirm.
func (f *fixture) settle(t *testing.T, req Request, sig string) *ConfirmResult {
	t.Helper()
	ctx := context.Background()
	tx, _, err := f.rec.Prepare(ctx, req)
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, tx.ID, sig)
	require.NoError(t, err)
	res, err := f.rec.Confirm(ctx, sig)
	require.NoError(t, err)
	return res
}

func deposit(amount, nonce string) Request {
	return Request{UserID: user, BotID: bot, Kind: domain.TxKindDeposit, Amount: d(amount), Nonce: nonce}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPrepare_Deposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, desc, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, domain.TxStatusCreated, tx.Status)
	assert.Len(t, tx.IdempotencyKey, 64)

	s, err := f.cat.Schedule(bot)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", desc.TransactionID)
	assert.Equal(t, user, desc.Source)
	assert.Equal(t, s.DepositAddress, desc.Destination)
	assert.Equal(t, tx.IdempotencyKey, desc.Memo)
	assert.Equal(t, DefaultNetwork, desc.Network)
	assert.True(t, desc.Amount.Equal(d("10")))

	// Prepare never touches the ledger.
	_, err = f.engine.GetPosition(ctx, user, bot)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPrepare_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	again, desc, err := f.rec.Prepare(ctx, deposit("10.000", "n1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ID, desc.TransactionID)

	other, _, err := f.rec.Prepare(ctx, deposit("10", "n2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestPrepare_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"below minimum", deposit("9.99", "n"), ledger.ErrBelowMinimumDeposit},
		{"zero deposit", deposit("0", "n"), ledger.ErrInvalidAmount},
		{"sub-lamport deposit", deposit("10.0000000001", "n"), ledger.ErrInvalidAmount},
		{"unknown kind", Request{UserID: user, BotID: bot, Kind: "GIFT", Amount: d("10")}, ErrInvalidKind},
		{"unknown bot", Request{UserID: user, BotID: "bot-omega", Kind: domain.TxKindDeposit, Amount: d("10")}, ledger.ErrUnknownBot},
		{"top-up without position", Request{UserID: user, BotID: bot, Kind: domain.TxKindTopup, Amount: d("1")}, ledger.ErrNotFound},
		{"withdraw without position", Request{UserID: user, BotID: bot, Kind: domain.TxKindWithdraw}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.rec.Prepare(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPrepare_DepositOnActivePosition(t *testing.T) {
	f := newFixture(t)
	f.settle(t, deposit("10", "n1"), "sig-1")

	_, _, err := f.rec.Prepare(context.Background(), deposit("10", "n2"))
	require.ErrorIs(t, err, ledger.ErrAlreadyActive)
}

func TestConfirm_ActivatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.settle(t, deposit("10", "n1"), "sig-1")
	assert.Equal(t, domain.TxStatusConfirmed, res.Transaction.Status)
	assert.True(t, res.Transaction.SettledAmount.Equal(d("10")))
	require.NotNil(t, res.Transaction.ResolvedAt)
	assert.Equal(t, domain.StateActive, res.Position.State)
	assert.True(t, res.Position.CommissionBalance.Equal(d("10")))

	// Duplicate confirmation by id and by reference.
	for _, ref := range []string{res.Transaction.ID, "sig-1"} {
		again, err := f.rec.Confirm(ctx, ref)
		require.ErrorIs(t, err, ledger.ErrAlreadyConfirmed)
		require.NotNil(t, again)
		assert.Equal(t, res.Position.Version, again.Position.Version)
		assert.True(t, again.Position.CommissionBalance.Equal(d("10")))
	}

	p, err := f.engine.GetPosition(ctx, user, bot)
	require.NoError(t, err)
	assert.True(t, p.TotalDeposited.Equal(d("10")))
}

func TestConfirm_ConcurrentCallbacksCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, tx.ID, "sig-1")
	require.NoError(t, err)

	const callbacks = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		duplicate atomic.Int32
	)
	for i := 0; i < callbacks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Confirm(ctx, "sig-1")
			switch {
			case err == nil:
				successes.Add(1)
			case ledger.IsConflict(err):
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callbacks-1), duplicate.Load())

	p, err := f.engine.GetPosition(ctx, user, bot)
	require.NoError(t, err)
	assert.True(t, p.CommissionBalance.Equal(d("10")))
}

func TestConfirm_RequiresSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)

	_, err = f.rec.Confirm(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = f.rec.Confirm(ctx, "missing")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestConfirm_DepositRaceCreditsAsTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two deposits prepared before either settles.
	a, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	b, _, err := f.rec.Prepare(ctx, deposit("15", "n2"))
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, a.ID, "sig-a")
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, b.ID, "sig-b")
	require.NoError(t, err)

	_, err = f.rec.Confirm(ctx, "sig-a")
	require.NoError(t, err)
	res, err := f.rec.Confirm(ctx, "sig-b")
	require.NoError(t, err)

	assert.True(t, res.Position.CommissionBalance.Equal(d("25")))
	assert.Equal(t, 1, res.Position.Generation)
}

func TestTopupAndWithdrawFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.settle(t, deposit("10", "n1"), "sig-1")
	_, err := f.engine.AdvanceDay(ctx, user, bot) // +5% of 1000, fee 5
	require.NoError(t, err)

	res := f.settle(t, Request{UserID: user, BotID: bot, Kind: domain.TxKindTopup, Amount: d("2.5"), Nonce: "n2"}, "sig-2")
	assert.True(t, res.Position.CommissionBalance.Equal(d("7.5")))

	tx, desc, err := f.rec.Prepare(ctx, Request{UserID: user, BotID: bot, Kind: domain.TxKindWithdraw, Nonce: "n3"})
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(d("7.5")))
	assert.Equal(t, user, desc.Destination)

	_, err = f.rec.MarkSubmitted(ctx, tx.ID, "sig-3")
	require.NoError(t, err)
	res, err = f.rec.Confirm(ctx, "sig-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, res.Position.State)
	assert.True(t, res.Transaction.SettledAmount.Equal(d("7.5")))
	assert.True(t, res.Position.CommissionBalance.IsZero())
}

func TestFailAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, tx.ID, "sig-1")
	require.NoError(t, err)

	failed, err := f.rec.Fail(ctx, "sig-1", "blockhash expired")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFailed, failed.Status)
	assert.Equal(t, "blockhash expired", failed.FailureReason)

	again, err := f.rec.Fail(ctx, "sig-1", "other")
	require.NoError(t, err)
	assert.Equal(t, "blockhash expired", again.FailureReason)

	_, err = f.rec.Confirm(ctx, "sig-1")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = f.engine.GetPosition(ctx, user, bot)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// A new Prepare after a failure is a new transaction.
	retry, _, err := f.rec.Prepare(ctx, deposit("10", "n2"))
	require.NoError(t, err)
	cancelled, err := f.rec.Cancel(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.FailureReason)

	_, err = f.rec.MarkSubmitted(ctx, retry.ID, "sig-2")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestFail_AfterConfirm(t *testing.T) {
	f := newFixture(t)
	f.settle(t, deposit("10", "n1"), "sig-1")

	_, err := f.rec.Fail(context.Background(), "sig-1", "late")
	require.ErrorIs(t, err, ledger.ErrAlreadyConfirmed)
}

func TestMarkSubmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, err := f.rec.Prepare(ctx, deposit("10", "n1"))
	require.NoError(t, err)
	b, _, err := f.rec.Prepare(ctx, deposit("10", "n2"))
	require.NoError(t, err)

	_, err = f.rec.MarkSubmitted(ctx, a.ID, "")
	require.ErrorIs(t, err, ErrInvalidReference)

	sub, err := f.rec.MarkSubmitted(ctx, a.ID, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusSubmitted, sub.Status)
	require.NotNil(t, sub.SubmittedAt)

	_, err = f.rec.MarkSubmitted(ctx, a.ID, "sig-1")
	require.NoError(t, err)

	_, err = f.rec.MarkSubmitted(ctx, a.ID, "sig-other")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = f.rec.MarkSubmitted(ctx, b.ID, "sig-1")
	require.ErrorIs(t, err, ErrInvalidReference)

	list, err := f.rec.ListSubmitted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func withdraw(nonce string) Request {
	return Request{UserID: user, BotID: bot, Kind: domain.TxKindWithdraw, Nonce: nonce}
}

func topup(amount, nonce string) Request {
	return Request{UserID: user, BotID: bot, Kind: domain.TxKindTopup, Amount: d(amount), Nonce: nonce}
}

func TestWithdraw_TopupBeforeConfirmStaysOnPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, deposit("10", "n1"), "sig-1")

	w, _, err := f.rec.Prepare(ctx, withdraw("n2"))
	require.NoError(t, err)
	assert.True(t, w.Amount.Equal(d("10")))
	_, err = f.rec.MarkSubmitted(ctx, w.ID, "sig-w")
	require.NoError(t, err)

	res := f.settle(t, topup("5", "n3"), "sig-t")
	assert.True(t, res.Position.CommissionBalance.Equal(d("15")))

	res, err = f.rec.Confirm(ctx, "sig-w")
	require.NoError(t, err)
	assert.True(t, res.Transaction.SettledAmount.Equal(d("10")))
	assert.Equal(t, domain.StateActive, res.Position.State)
	assert.True(t, res.Position.CommissionBalance.Equal(d("5")))
	assert.True(t, res.Position.SimulationBalance.Equal(d("1000")))
}

func TestWithdraw_PendingBlocksDebits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, deposit("10", "n1"), "sig-1")

	w, _, err := f.rec.Prepare(ctx, withdraw("n2"))
	require.NoError(t, err)

	_, err = f.engine.AdvanceDay(ctx, user, bot)
	require.ErrorIs(t, err, ledger.ErrWithdrawalPending)
	_, _, err = f.rec.Prepare(ctx, withdraw("n3"))
	require.ErrorIs(t, err, ledger.ErrWithdrawalPending)

	// Repeating the same request returns the open withdrawal.
	again, _, err := f.rec.Prepare(ctx, withdraw("n2"))
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	_, err = f.rec.MarkSubmitted(ctx, w.ID, "sig-w")
	require.NoError(t, err)
	_, err = f.engine.AdvanceDay(ctx, user, bot)
	require.ErrorIs(t, err, ledger.ErrWithdrawalPending)

	res, err := f.rec.Confirm(ctx, "sig-w")
	require.NoError(t, err)
	assert.True(t, res.Transaction.SettledAmount.Equal(d("10")))
	assert.Equal(t, domain.StateClosed, res.Position.State)
	assert.Equal(t, 0, res.Position.CurrentDay)
	assert.True(t, res.Position.TotalCommissionPaid.IsZero())
}

func TestWithdraw_CancelReleasesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, deposit("10", "n1"), "sig-1")

	w, _, err := f.rec.Prepare(ctx, withdraw("n2"))
	require.NoError(t, err)
	_, err = f.rec.Cancel(ctx, w.ID)
	require.NoError(t, err)

	rec, err := f.engine.AdvanceDay(ctx, user, bot)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Day)
}

func TestWithdraw_EmptyBalanceClosesAtPrepare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, deposit("10", "n1"), "sig-1")
	for i := 0; i < 2; i++ {
		_, err := f.engine.AdvanceDay(ctx, user, bot)
		require.NoError(t, err)
	}
	p, err := f.engine.GetPosition(ctx, user, bot)
	require.NoError(t, err)
	require.Equal(t, domain.StateDepleted, p.State)

	tx, desc, err := f.rec.Prepare(ctx, withdraw("n2"))
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Equal(t, domain.TxStatusConfirmed, tx.Status)
	assert.True(t, tx.Amount.IsZero())
	require.NotNil(t, tx.ResolvedAt)

	p, err = f.engine.GetPosition(ctx, user, bot)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.True(t, p.SimulationBalance.IsZero())

	pending, err := f.rec.ListSubmitted(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirm_UnapplicableSettlementOwesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settle(t, deposit("10", "n1"), "sig-1")

	tx, _, err := f.rec.Prepare(ctx, topup("1", "n2"))
	require.NoError(t, err)
	_, err = f.rec.MarkSubmitted(ctx, tx.ID, "sig-t")
	require.NoError(t, err)
	f.settle(t, withdraw("n3"), "sig-w")

	// The closed position would need a new activation, and 1 is below its minimum.
	res, err := f.rec.Confirm(ctx, "sig-t")
	require.ErrorIs(t, err, ErrSettlementRejected)
	require.ErrorIs(t, err, ledger.ErrBelowMinimumDeposit)
	require.NotNil(t, res)
	assert.Equal(t, domain.TxStatusFailed, res.Transaction.Status)
	assert.True(t, res.Transaction.SettledAmount.Equal(d("1")))
	assert.Contains(t, res.Transaction.FailureReason, RefundOwed)
	require.NotNil(t, res.Transaction.ResolvedAt)
	assert.Equal(t, domain.StateClosed, res.Position.State)

	stored, err := f.rec.Get(ctx, "sig-t")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFailed, stored.Status)

	pending, err := f.rec.ListSubmitted(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.rec.Confirm(ctx, "sig-t")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
