// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// Every Record method is a no-op on a nil *Metrics.
type Metrics struct {
	// Ledger metrics
	OperationsTotal *prometheus.CounterVec
	DaysAdvanced    *prometheus.CounterVec
	FeesCharged     *prometheus.CounterVec
	FeesForgone     *prometheus.CounterVec
	Depletions      *prometheus.CounterVec
	LockWait        prometheus.Histogram
	LockContention  prometheus.Counter

	// Transaction metrics
	TransactionsTotal *prometheus.CounterVec

	// Settlement metrics
	SettlementPolls *prometheus.CounterVec
	RPCCallLatency  *prometheus.HistogramVec

	// Storage metrics
	StoreDuration *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulSettlement prometheus.Gauge
	StartTime                prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "commission_ledger"
	}
	f := promauto.With(reg)

	m := &Metrics{
		// Ledger metrics
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations by operation and result",
		}, []string{"operation", "result"}),
		DaysAdvanced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "days_advanced_total",
			Help:      "Total number of simulated days advanced by bot and gating outcome",
		}, []string{"bot", "gated"}),
		FeesCharged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "fees_charged_total",
			Help:      "Commission charged in asset units by bot and beneficiary",
		}, []string{"bot", "beneficiary"}),
		FeesForgone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "fees_forgone_total",
			Help:      "Commission not charged because the balance ran out",
		}, []string{"bot"}),
		Depletions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "depletions_total",
			Help:      "Total number of positions that ran out of commission balance",
		}, []string{"bot"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a position lock",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		LockContention: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "lock_contention_total",
			Help:      "Total number of lock acquisitions that timed out",
		}),

		// Transaction metrics
		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "transactions_total",
			Help:      "Total number of transaction transitions by kind and resulting status",
		}, []string{"kind", "status"}),

		// Settlement metrics
		SettlementPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "polls_total",
			Help:      "Total number of settlement polls by result",
		}, []string{"result"}),
		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Storage metrics
		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_errors_total",
			Help:      "Total number of store operation errors",
		}, []string{"backend", "operation"}),

		// Health metrics
		LastSuccessfulSettlement: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_settlement_timestamp",
			Help:      "Unix timestamp of the last settlement poll without errors",
		}),
		StartTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of process start",
		}),
	}
	m.StartTime.SetToCurrentTime()
	return m
}

// Handler returns an HTTP handler for the /metrics endpoint of the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// DefaultMetrics is the metrics instance registered with the default registry.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordOperation records the outcome of a ledger operation.
func (m *Metrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordDay records one advanced day and the fees it charged.
func (m *Metrics) RecordDay(bot string, developerFee, platformFee, forgone float64, depleted bool) {
	if m == nil {
		return
	}
	gated := "false"
	if developerFee+platformFee > 0 || forgone > 0 {
		gated = "true"
	}
	m.DaysAdvanced.WithLabelValues(bot, gated).Inc()
	m.FeesCharged.WithLabelValues(bot, "developer").Add(developerFee)
	m.FeesCharged.WithLabelValues(bot, "platform").Add(platformFee)
	if forgone > 0 {
		m.FeesForgone.WithLabelValues(bot).Add(forgone)
	}
	if depleted {
		m.Depletions.WithLabelValues(bot).Inc()
	}
}

// RecordLockWait records how long a lock acquisition waited and whether it timed out.
func (m *Metrics) RecordLockWait(wait time.Duration, contended bool) {
	if m == nil {
		return
	}
	m.LockWait.Observe(wait.Seconds())
	if contended {
		m.LockContention.Inc()
	}
}

// RecordTransaction records a transaction reaching status.
func (m *Metrics) RecordTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordSettlementPoll records one settlement poll.
func (m *Metrics) RecordSettlementPoll(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SettlementPolls.WithLabelValues("error").Inc()
		return
	}
	m.SettlementPolls.WithLabelValues("ok").Inc()
	m.LastSuccessfulSettlement.SetToCurrentTime()
}

// RecordRPCLatency records RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordStoreOp records store operation metrics.
func (m *Metrics) RecordStoreOp(backend, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(backend, operation).Observe(d.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(backend, operation).Inc()
	}
}
