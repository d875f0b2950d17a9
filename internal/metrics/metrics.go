// Package metrics provides Prometheus instrumentation for the vault engine.
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
	// EventsTotal counts audit events emitted, partitioned by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_events_total",
		Help: "Total number of audit events emitted",
	}, []string{"type"})

	// OperationsRejected counts engine operations that failed validation.
	OperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operations_rejected_total",
		Help: "Engine operations rejected, by operation",
	}, []string{"op"})

	// VaultItems tracks assets currently present in the vault.
	VaultItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_items_present",
		Help: "Number of assets currently held in the vault",
	})

	// ActiveListings tracks listings with active=true.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_active_listings",
		Help: "Number of currently active listings",
	})

	// ActiveAuctions tracks auctions with active=true.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_active_auctions",
		Help: "Number of currently active auctions",
	})

	// BidsTotal counts accepted bids.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_bids_total",
		Help: "Total number of accepted auction bids",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
