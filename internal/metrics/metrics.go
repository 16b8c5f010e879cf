// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// OrdersCommitted counts orders committed, partitioned by market.
	OrdersCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_committed_total",
		Help: "Total orders committed",
	}, []string{"market_id"})

	// OrdersSettled counts orders settled, partitioned by market.
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_settled_total",
		Help: "Total orders settled",
	}, []string{"market_id"})

	// OrdersExpired counts orders purged after their window closed.
	OrdersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_expired_total",
		Help: "Total orders expired unsettled",
	}, []string{"market_id"})

	// OrdersCancelled counts orders cancelled before settlement.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_cancelled_total",
		Help: "Total orders cancelled",
	}, []string{"market_id"})

	// MarginRejections counts operations rejected by margin and risk gates,
	// partitioned by stage (commit, settlement, withdrawal, max_market_size,
	// account_exposure).
	MarginRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_margin_rejections_total",
		Help: "Operations rejected by margin or risk checks",
	}, []string{"stage"})

	// SettlementLatency tracks settle call duration per market.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_settlement_latency_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
