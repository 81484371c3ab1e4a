// Package api exposes the ledger and the transaction reconciler over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/reconcile"
	"commission-ledger/internal/storage/clickhouse"
)

// Ledger is the engine surface served by the API.
type Ledger interface {
	AdvanceDay(ctx context.Context, userID, botID string) (*domain.DailyRecord, error)
	Reset(ctx context.Context, userID, botID string) (*ledger.ResetResult, error)
	GetPosition(ctx context.Context, userID, botID string) (*domain.Position, error)
	GetStatus(ctx context.Context, userID string) (*ledger.Status, error)
	History(ctx context.Context, userID, botID string, generation int) ([]domain.DailyRecord, error)
}

// Reconciler is the settlement surface served by the API.
type Reconciler interface {
	Prepare(ctx context.Context, req reconcile.Request) (*domain.PendingTransaction, *reconcile.UnsignedDescriptor, error)
	Get(ctx context.Context, ref string) (*domain.PendingTransaction, error)
	MarkSubmitted(ctx context.Context, ref, externalRef string) (*domain.PendingTransaction, error)
	Confirm(ctx context.Context, ref string) (*reconcile.ConfirmResult, error)
	Fail(ctx context.Context, ref, reason string) (*domain.PendingTransaction, error)
	Cancel(ctx context.Context, ref string) (*domain.PendingTransaction, error)
}

// Catalog lists the available bots.
type Catalog interface {
	List() []*domain.RateSchedule
}

// Watcher settles a submitted transaction as soon as the network reports it.
type Watcher interface {
	Watch(ctx context.Context, tx *domain.PendingTransaction) error
}

// ReadinessChecker reports whether a dependency can serve requests.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// FeeReporter aggregates charged fees per bot.
type FeeReporter interface {
	FeeTotalsByBot(ctx context.Context, since time.Time) ([]clickhouse.FeeTotals, error)
}

// Options contains configuration for creating a Server.
type Options struct {
	Ledger     Ledger
	Reconciler Reconciler
	Catalog    Catalog

	// Optional.
	Watcher Watcher
	Fees    FeeReporter
	Metrics http.Handler
	Logger  *slog.Logger

	// Readiness makes /health answer 503 while the check fails.
	Readiness ReadinessChecker
	// ReadinessTimeout bounds one check. Default: 2s.
	ReadinessTimeout time.Duration

	// BaseContext bounds work that outlives a request, such as signature
	// subscriptions started on submit. Default: context.Background().
	BaseContext context.Context
}

// Server serves the HTTP API.
type Server struct {
	ledger     Ledger
	reconciler Reconciler
	catalog    Catalog
	watcher    Watcher
	fees       FeeReporter
	metrics    http.Handler
	logger     *slog.Logger
	baseCtx    context.Context

	readiness        ReadinessChecker
	readinessTimeout time.Duration
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		ledger:     opts.Ledger,
		reconciler: opts.Reconciler,
		catalog:    opts.Catalog,
		watcher:    opts.Watcher,
		fees:       opts.Fees,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		baseCtx:    opts.BaseContext,

		readiness:        opts.Readiness,
		readinessTimeout: opts.ReadinessTimeout,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "api")
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.readinessTimeout <= 0 {
		s.readinessTimeout = 2 * time.Second
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /bots", s.handleBots)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions/{user}/{bot}", s.handlePosition)
	mux.HandleFunc("GET /positions/{user}/{bot}/history", s.handleHistory)

	mux.HandleFunc("POST /transactions", s.handlePrepare)
	mux.HandleFunc("GET /transactions/{ref}", s.handleTransaction)
	mux.HandleFunc("POST /transactions/{ref}/submit", s.handleSubmit)
	mux.HandleFunc("POST /transactions/{ref}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /transactions/{ref}/fail", s.handleFail)
	mux.HandleFunc("POST /transactions/{ref}/cancel", s.handleCancel)

	mux.HandleFunc("POST /simulate-day", s.handleSimulateDay)
	mux.HandleFunc("POST /reset", s.handleReset)

	if s.fees != nil {
		mux.HandleFunc("GET /reports/fees", s.handleFeeReport)
	}

	return s.withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.readinessTimeout)
		defer cancel()
		if err := s.readiness.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}
