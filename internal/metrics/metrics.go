// Package metrics provides Prometheus instrumentation for the prediction
// market and the code-run pipeline.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts accepted bets, partitioned by bettor kind.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_bets_total",
		Help: "Total number of bets placed",
	}, []string{"bettor"})

	// BetLatency tracks bet placement latency.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predmarket_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"bettor"})

	// ActiveMarkets tracks the number of markets accepting bets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predmarket_active_markets",
		Help: "Number of markets currently accepting bets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// StakeLimitRejections counts bets rejected by the exposure limiter.
	StakeLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_stake_limit_rejections_total",
		Help: "Bets rejected by the stake limiter",
	}, []string{"limit"})

	// MarketVolume tracks cumulative staked amount per market and outcome.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_market_volume_total",
		Help: "Cumulative staked amount",
	}, []string{"market_id", "outcome"})

	// RunsTotal counts runs reaching a terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_runs_total",
		Help: "Code runs by terminal status and failure reason",
	}, []string{"status", "reason"})

	// RunDuration tracks wall-clock sandbox execution time.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "predmarket_run_duration_seconds",
		Help:    "Sandboxed run duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	// ScanViolations counts static-check violations by rule family.
	ScanViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_scan_violations_total",
		Help: "Static security scan violations",
	}, []string{"kind"})

	// RunsInFlight tracks runs currently inside a sandbox.
	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predmarket_runs_in_flight",
		Help: "Number of runs currently executing",
	})

	// ReconciledRuns counts stale runs failed by the reconciler.
	ReconciledRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predmarket_reconciled_runs_total",
		Help: "Stale runs marked failed by the reconciler",
	})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predmarket_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the matched chi route to keep label cardinality low.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
