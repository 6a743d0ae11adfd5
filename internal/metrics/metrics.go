// Package metrics provides Prometheus instrumentation for the trove engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TxTransitions counts lifecycle transitions of populated transactions.
	TxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trove_tx_transitions_total",
		Help: "Populated transaction lifecycle transitions",
	}, []string{"kind", "status"})

	// GasLimit records the gas limit assigned at population, margins included.
	GasLimit = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trove_tx_gas_limit",
		Help:    "Gas limit of populated transactions",
		Buckets: prometheus.ExponentialBuckets(100_000, 1.5, 10),
	}, []string{"kind"})

	// PopulateLatency tracks how long population takes, hint search included.
	PopulateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trove_populate_latency_seconds",
		Help:    "Transaction population latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	// HintRounds is the number of approximate-hint rounds issued per search.
	HintRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trove_hint_rounds",
		Help:    "Approximate hint sampling rounds per search",
		Buckets: []float64{1, 2, 3, 4, 6, 8},
	})

	// RedemptionTruncations counts redemptions whose amount was cut down to
	// what the trove list can absorb.
	RedemptionTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trove_redemption_truncations_total",
		Help: "Redemptions truncated to the redeemable amount",
	})

	// PopulateRejections counts population requests refused by a local
	// precondition rather than a dependency failure.
	PopulateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trove_populate_rejections_total",
		Help: "Population requests rejected by local checks",
	}, []string{"kind"})

	// MirrorRefreshes counts mirror refresh runs by outcome.
	MirrorRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trove_mirror_refreshes_total",
		Help: "Trove mirror refresh runs",
	}, []string{"result"})

	// MirroredTroves tracks the number of open troves in the mirror.
	MirroredTroves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trove_mirrored_troves",
		Help: "Number of open troves in the local mirror",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trove_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trove_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trove_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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

		// Route pattern keeps owner addresses and tx ids out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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
