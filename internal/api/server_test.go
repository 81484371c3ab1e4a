package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"commission-ledger/internal/reconcile"
	"commission-ledger/internal/returns"
	"commission-ledger/internal/storage/clickhouse"
	"commission-ledger/internal/storage/memory"
)

const (
	user = "BQvAnftbC2ce31N6gEH7QtBGor96K5ALRFVZ2j6mCCr5"
	bot  = "bot-alpha"
)

type recordingWatcher struct {
	mu      sync.Mutex
	watched []string
	err     error
}

func (w *recordingWatcher) Watch(_ context.Context, tx *domain.PendingTransaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, tx.ExternalReference)
	return w.err
}

type fakeFees struct {
	since time.Time
}

func (f *fakeFees) FeeTotalsByBot(_ context.Context, since time.Time) ([]clickhouse.FeeTotals, error) {
	f.since = since
	return []clickhouse.FeeTotals{{
		BotID:         bot,
		GatedDays:     2,
		DeveloperFees: decimal.RequireFromString("9"),
		PlatformFees:  decimal.RequireFromString("1"),
		TotalFees:     decimal.RequireFromString("10"),
		FeeForgone:    decimal.Zero,
	}}, nil
}

type fixture struct {
	srv     *httptest.Server
	watcher *recordingWatcher
	fees    *fakeFees
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewLedgerStore()
	cat := catalog.Default()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	engine, err := ledger.New(ledger.Options{
		Store:     store,
		Schedules: cat,
		Returns:   returns.NewCycle(decimal.RequireFromString("5")),
		Clock:     func() time.Time { return now },
	})
	require.NoError(t, err)

	var seq atomic.Int64
	rec, err := reconcile.New(reconcile.Options{
		Store:     store,
		Ledger:    engine,
		Schedules: cat,
		Clock:     func() time.Time { return now },
		NewID:     func() string { return fmt.Sprintf("tx-%d", seq.Add(1)) },
	})
	require.NoError(t, err)

	f := &fixture{watcher: &recordingWatcher{}, fees: &fakeFees{}}
	s := NewServer(Options{
		Ledger:     engine,
		Reconciler: rec,
		Catalog:    cat,
		Watcher:    f.watcher,
		Fees:       f.fees,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

// activate runs a deposit through prepare, submit and confirm.
func (f *fixture) activate(t *testing.T, amount, sig string) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/transactions", map[string]any{
		"user_public_key": user, "bot_id": bot, "kind": "deposit", "amount": amount, "nonce": sig,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["transaction"].(map[string]any)["id"].(string)

	resp, body = f.do(t, http.MethodPost, "/transactions/"+id+"/submit", map[string]any{"signature": sig})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	resp, body = f.do(t, http.MethodPost, "/transactions/"+sig+"/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type fakeReadiness struct {
	err error
}

func (f *fakeReadiness) Ready(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	return f.err
}

func TestHealthReadiness(t *testing.T) {
	ready := &fakeReadiness{}
	srv := httptest.NewServer(NewServer(Options{Readiness: ready}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready.err = errors.New("rpc not ready: connection refused")
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBots(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/bots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bots := body["bots"].([]any)
	require.Len(t, bots, 3)
	first := bots[0].(map[string]any)
	assert.Equal(t, bot, first["id"])
	assert.Equal(t, "10", first["min_commission_deposit"])
	assert.Equal(t, "0.1", first["commission_rate"])
}

func TestDepositLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/transactions", map[string]any{
		"user_public_key": user, "bot_id": bot, "kind": "DEPOSIT", "amount": "10", "nonce": "n1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	tx := body["transaction"].(map[string]any)
	desc := body["descriptor"].(map[string]any)
	assert.Equal(t, "tx-1", tx["id"])
	assert.Equal(t, "CREATED", tx["status"])
	assert.Equal(t, user, desc["source"])
	assert.Equal(t, "devnet", desc["network"])

	resp, body = f.do(t, http.MethodPost, "/transactions/tx-1/submit", map[string]any{"signature": "sig-1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, "SUBMITTED", body["status"])
	assert.Equal(t, []string{"sig-1"}, f.watcher.watched)

	resp, body = f.do(t, http.MethodGet, "/transactions/sig-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tx-1", body["id"])

	resp, body = f.do(t, http.MethodPost, "/transactions/sig-1/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, false, body["already_confirmed"])
	pos := body["position"].(map[string]any)
	assert.Equal(t, "ACTIVE", pos["state"])
	assert.Equal(t, "10", pos["commission_balance"])

	// Confirming again changes nothing.
	resp, body = f.do(t, http.MethodPost, "/transactions/tx-1/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["already_confirmed"])
	assert.Equal(t, "10", body["position"].(map[string]any)["commission_balance"])
}

func TestSimulateDayAndStatus(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "10", "sig-a")

	resp, body := f.do(t, http.MethodPost, "/simulate-day", map[string]any{"user_public_key": user, "bot_id": bot})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	day := body["day"].(map[string]any)
	assert.Equal(t, float64(1), day["day"])
	assert.Equal(t, "5", day["performance_percent"])
	assert.Equal(t, "4.5", day["developer_fee"])
	assert.Equal(t, "0.5", day["platform_fee"])
	assert.Equal(t, "5", body["position"].(map[string]any)["commission_balance"])

	resp, body = f.do(t, http.MethodGet, "/status?user="+user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bots := body["active_bots"].([]any)
	require.Len(t, bots, 1)
	row := bots[0].(map[string]any)
	assert.Equal(t, true, row["is_accessible"])
	assert.Equal(t, "Bot Alpha", row["bot_name"])

	resp, body = f.do(t, http.MethodGet, "/positions/"+user+"/"+bot+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["daily_history"].([]any), 2)

	resp, body = f.do(t, http.MethodGet, "/positions/"+user+"/"+bot, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["current_day"])
}

func TestHistoryByGeneration(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "10", "sig-g1")
	resp, body := f.do(t, http.MethodPost, "/simulate-day", map[string]any{"user_public_key": user, "bot_id": bot})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, body = f.do(t, http.MethodPost, "/reset", map[string]any{"user_public_key": user, "bot_id": bot})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	f.activate(t, "10", "sig-g2")

	history := "/positions/" + user + "/" + bot + "/history"
	resp, body = f.do(t, http.MethodGet, history, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["daily_history"].([]any), 1)

	resp, body = f.do(t, http.MethodGet, history+"?generation=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["daily_history"].([]any), 2)

	resp, _ = f.do(t, http.MethodGet, history+"?generation=first", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfirmRejectedSettlement(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "10", "sig-d")

	resp, body := f.do(t, http.MethodPost, "/transactions", map[string]any{
		"user_public_key": user, "bot_id": bot, "kind": "topup", "amount": "1", "nonce": "t",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	topup := body["transaction"].(map[string]any)["id"].(string)
	resp, body = f.do(t, http.MethodPost, "/transactions/"+topup+"/submit", map[string]any{"signature": "sig-t"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	resp, body = f.do(t, http.MethodPost, "/transactions", map[string]any{
		"user_public_key": user, "bot_id": bot, "kind": "withdraw", "nonce": "w",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	withdraw := body["transaction"].(map[string]any)["id"].(string)
	resp, body = f.do(t, http.MethodPost, "/transactions/"+withdraw+"/submit", map[string]any{"signature": "sig-w"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	resp, body = f.do(t, http.MethodPost, "/transactions/sig-w/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "CLOSED", body["position"].(map[string]any)["state"])

	// The top-up settled but is below the activation minimum of the closed position.
	resp, body = f.do(t, http.MethodPost, "/transactions/sig-t/confirm", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, body = f.do(t, http.MethodGet, "/transactions/sig-t", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "1", body["settled_amount"])
	assert.Contains(t, body["failure_reason"], reconcile.RefundOwed)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "10", "sig-r")

	resp, body := f.do(t, http.MethodPost, "/reset", map[string]any{"user_public_key": user, "bot_id": bot})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "10", body["refunded"])
	assert.Equal(t, "UNINITIALIZED", body["position"].(map[string]any)["state"])
}

func TestFailAndCancel(t *testing.T) {
	f := newFixture(t)

	for i, nonce := range []string{"a", "b"} {
		resp, _ := f.do(t, http.MethodPost, "/transactions", map[string]any{
			"user_public_key": user, "bot_id": bot, "kind": "deposit", "amount": "10", "nonce": nonce,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, i)
	}

	resp, body := f.do(t, http.MethodPost, "/transactions/tx-1/fail", map[string]any{"reason": "rejected by wallet"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "rejected by wallet", body["failure_reason"])

	resp, body = f.do(t, http.MethodPost, "/transactions/tx-2/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "cancelled", body["failure_reason"])

	resp, _ = f.do(t, http.MethodPost, "/transactions/tx-2/submit", map[string]any{"signature": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"status without user", http.MethodGet, "/status", nil, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/simulate-day", "not an object", http.StatusBadRequest},
		{"missing fields", http.MethodPost, "/reset", map[string]any{"bot_id": bot}, http.StatusBadRequest},
		{"unknown position", http.MethodGet, "/positions/" + user + "/" + bot, nil, http.StatusNotFound},
		{"unknown transaction", http.MethodPost, "/transactions/nope/confirm", nil, http.StatusNotFound},
		{"unknown bot", http.MethodPost, "/transactions", map[string]any{
			"user_public_key": user, "bot_id": "bot-omega", "kind": "deposit", "amount": "10",
		}, http.StatusNotFound},
		{"below minimum", http.MethodPost, "/transactions", map[string]any{
			"user_public_key": user, "bot_id": bot, "kind": "deposit", "amount": "9.99",
		}, http.StatusUnprocessableEntity},
		{"bad kind", http.MethodPost, "/transactions", map[string]any{
			"user_public_key": user, "bot_id": bot, "kind": "gift", "amount": "10",
		}, http.StatusUnprocessableEntity},
		{"simulate without position", http.MethodPost, "/simulate-day", map[string]any{
			"user_public_key": user, "bot_id": bot,
		}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("advance: %w", ledger.ErrContention)))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrAlreadyActive))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(ledger.ErrNotAccessible))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrWithdrawalPending))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("%w: %w", reconcile.ErrSettlementRejected, ledger.ErrBelowMinimumDeposit)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}

func TestContentionSetsRetryAfter(t *testing.T) {
	s := NewServer(Options{})
	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodPost, "/simulate-day", nil), ledger.ErrContention)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestSubmitWatchFailureStillAccepted(t *testing.T) {
	f := newFixture(t)
	f.watcher.err = errors.New("ws down")

	resp, _ := f.do(t, http.MethodPost, "/transactions", map[string]any{
		"user_public_key": user, "bot_id": bot, "kind": "deposit", "amount": "10",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/transactions/tx-1/submit", map[string]any{"signature": "sig-x"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, body)
}

func TestFeeReport(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/reports/fees?since=2024-05-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), f.fees.since.UTC())
	rows := body["bots"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "10", rows[0].(map[string]any)["total_fees"])

	resp, _ = f.do(t, http.MethodGet, "/reports/fees?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
