// Package metrics provides Prometheus instrumentation for the paper engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settled fills, partitioned by side and order type.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_settlements_total",
		Help: "Total number of settled fills",
	}, []string{"side", "type"})

	// SettlementLatency tracks settlement transaction duration.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperengine_settlement_latency_seconds",
		Help:    "Settlement transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SettlementRejections counts settlements aborted by a ledger invariant.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_settlement_rejections_total",
		Help: "Settlements rejected by validation or ledger checks",
	}, []string{"reason"})

	// ConditionalTransitions counts conditional-order state transitions.
	ConditionalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_conditional_transitions_total",
		Help: "Conditional order state transitions",
	}, []string{"to"})

	// SnapshotsTotal counts wealth snapshots written, by type.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_snapshots_total",
		Help: "Wealth snapshots written",
	}, []string{"type"})

	// SnapshotsPruned counts order-type snapshots removed by retention.
	SnapshotsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperengine_snapshots_pruned_total",
		Help: "Order-type snapshots removed by the retention pass",
	})

	// BatchAccounts counts accounts processed by the reconciliation sweep.
	BatchAccounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_batch_accounts_total",
		Help: "Accounts processed by the batch reconciliation job",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
