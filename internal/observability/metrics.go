// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the keeper.
type Metrics struct {
	// Watcher metrics
	SwapEventsObserved prometheus.Counter
	LogChunksScanned   prometheus.Counter
	LogChunkErrors     prometheus.Counter
	WatcherState       prometheus.Gauge
	WatermarkBlock     *prometheus.GaugeVec

	// Evaluation metrics
	EvaluationsTotal  *prometheus.CounterVec
	OrdersEligible    prometheus.Counter
	OrdersExpired     prometheus.Counter
	PoolReadErrors    prometheus.Counter
	ObservedRateE18   *prometheus.GaugeVec

	// Dispatch metrics
	DispatchesTotal    *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	ReceiptWaitTimeout prometheus.Counter

	// Intake metrics
	OrdersCreated   prometheus.Counter
	OrdersCanceled  prometheus.Counter
	DuplicateNonces prometheus.Counter

	// Health metrics
	LastSweepUnix prometheus.Gauge
	PendingOrders prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "limit_order_keeper"
	}

	return &Metrics{
		SwapEventsObserved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "swap_events_observed_total",
			Help:      "Total swap events received from subscription or polling",
		}),
		LogChunksScanned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "log_chunks_scanned_total",
			Help:      "Total eth_getLogs chunk queries issued",
		}),
		LogChunkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "log_chunk_errors_total",
			Help:      "Total eth_getLogs chunk queries that failed and were skipped",
		}),
		WatcherState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "state",
			Help:      "Watcher lifecycle state (0 disconnected, 1 connecting, 2 subscribed, 3 polling)",
		}),
		WatermarkBlock: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "watermark_block",
			Help:      "Last checked block per pool",
		}, []string{"pool"}),

		EvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Pool evaluation cycles by trigger (event, sweep)",
		}, []string{"trigger"}),
		OrdersEligible: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_eligible_total",
			Help:      "Orders found eligible by the matcher",
		}),
		OrdersExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_expired_total",
			Help:      "Orders marked expired during evaluation",
		}),
		PoolReadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pool_read_errors_total",
			Help:      "Spot rate reads that failed",
		}),
		ObservedRateE18: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "observed_rate_e18",
			Help:      "Last observed pool rate, 1e18 scaled",
		}, []string{"pair"}),

		DispatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by outcome",
		}, []string{"outcome"}),
		DispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Wall time of a dispatch attempt including receipt wait",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReceiptWaitTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "receipt_timeouts_total",
			Help:      "Submissions whose receipt never arrived in the wait window",
		}),

		OrdersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "orders_created_total",
			Help:      "Orders accepted through the intake API",
		}),
		OrdersCanceled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "orders_canceled_total",
			Help:      "Orders canceled through the intake API",
		}),
		DuplicateNonces: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "duplicate_nonces_total",
			Help:      "Order submissions rejected for a reused (trader, nonce)",
		}),

		LastSweepUnix: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed safety sweep",
		}),
		PendingOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "pending_orders",
			Help:      "Pending orders seen by the last sweep",
		}),
	}
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSwapObserved increments the swap events observed counter.
func RecordSwapObserved() {
	DefaultMetrics.SwapEventsObserved.Inc()
}

// RecordLogChunk counts one eth_getLogs chunk query.
func RecordLogChunk(failed bool) {
	DefaultMetrics.LogChunksScanned.Inc()
	if failed {
		DefaultMetrics.LogChunkErrors.Inc()
	}
}

// SetWatermark publishes a pool's last checked block.
func SetWatermark(pool string, block uint64) {
	DefaultMetrics.WatermarkBlock.WithLabelValues(pool).Set(float64(block))
}

// RecordOrderExpired counts an order transitioned to expired.
func RecordOrderExpired() {
	DefaultMetrics.OrdersExpired.Inc()
}

// RecordReceiptTimeout counts a receipt wait that ran out.
func RecordReceiptTimeout() {
	DefaultMetrics.ReceiptWaitTimeout.Inc()
}

// RecordEvaluation records one evaluation cycle by trigger.
func RecordEvaluation(trigger string) {
	DefaultMetrics.EvaluationsTotal.WithLabelValues(trigger).Inc()
}

// RecordDispatch records a dispatch attempt outcome and duration.
func RecordDispatch(outcome string, seconds float64) {
	DefaultMetrics.DispatchesTotal.WithLabelValues(outcome).Inc()
	DefaultMetrics.DispatchDuration.Observe(seconds)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
