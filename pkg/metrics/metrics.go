// Package metrics exposes Prometheus metrics for the transaction engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all engine metrics, registered against one Prometheus
// registry so multiple engines in a process do not collide.
type Registry struct {
	registry *prometheus.Registry

	TxnsBegun          prometheus.Counter
	TxnsCommitted      prometheus.Counter
	TxnsRolledBack     prometheus.Counter
	TxnsPrepared       prometheus.Counter
	ConflictsTotal     prometheus.Counter
	DeadlocksTotal     *prometheus.CounterVec
	ActiveTransactions prometheus.Gauge
	CommitDuration     prometheus.Histogram
	KeysPerTransaction prometheus.Histogram
}

// NewRegistry creates a Registry with all engine metrics registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initTransactionMetrics()
	return r
}

func (r *Registry) initTransactionMetrics() {
	r.TxnsBegun = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txnengine_transactions_begun_total",
			Help: "Total number of transactions begun",
		},
	)

	r.TxnsCommitted = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txnengine_transactions_committed_total",
			Help: "Total number of transactions committed",
		},
	)

	r.TxnsRolledBack = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txnengine_transactions_rolledback_total",
			Help: "Total number of transactions rolled back",
		},
	)

	r.TxnsPrepared = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txnengine_transactions_prepared_total",
			Help: "Total number of transactions prepared for two-phase commit",
		},
	)

	r.ConflictsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txnengine_lock_conflicts_total",
			Help: "Total number of lock conflicts (blocked or refused acquisitions)",
		},
	)

	r.DeadlocksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txnengine_deadlocks_total",
			Help: "Total number of deadlocks by detection method",
		},
		[]string{"kind"}, // cycle, timeout
	)

	r.ActiveTransactions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "txnengine_active_transactions",
			Help: "Number of currently active or prepared transactions",
		},
	)

	r.CommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txnengine_commit_duration_seconds",
			Help:    "Duration of commit operations in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.KeysPerTransaction = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txnengine_keys_per_transaction",
			Help:    "Combined read+write key-set size of finished transactions",
			Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)
}

// Gatherer returns the underlying registry for scraping via promhttp.
func (r *Registry) Gatherer() *prometheus.Registry {
	return r.registry
}
