// Package metrics provides Prometheus instrumentation for the options engine.
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
	// OperationsTotal counts committed vault operations, partitioned by kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ovx_operations_total",
		Help: "Total number of committed vault operations",
	}, []string{"kind"})

	// OperationRejections counts operations rejected before any mutation,
	// partitioned by kind and error reason.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ovx_operation_rejections_total",
		Help: "Vault operations rejected by validation",
	}, []string{"kind", "reason"})

	// OperationLatency tracks end-to-end operation latency, by kind.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ovx_operation_latency_seconds",
		Help:    "Vault operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ReserveSupply tracks each market's custodied principal.
	ReserveSupply = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ovx_reserve_supply",
		Help: "Pool principal in base units, per market",
	}, []string{"market"})

	// CommittedReserve tracks collateral locked against open options.
	CommittedReserve = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ovx_committed_reserve",
		Help: "Collateral reserved against open option exposure, per market",
	}, []string{"market"})

	// Premiums tracks accrued LP premium income.
	Premiums = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ovx_premiums",
		Help: "Accrued net-of-fee premiums owed to LPs, per market",
	}, []string{"market"})

	// FeeAccrued tracks unswept protocol fees.
	FeeAccrued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ovx_fee_accrued",
		Help: "Unswept protocol fee balance, per market",
	}, []string{"market"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ovx_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ovx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ovx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ovx_http_request_duration_seconds",
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
