// Package metrics provides Prometheus instrumentation for the engine.
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
	// LedgerPosts counts committed ledger batches by reference type.
	LedgerPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_ledger_posts_total",
		Help: "Committed ledger batches",
	}, []string{"reference_type"})

	// LedgerRejections counts batches refused before commit.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_ledger_rejections_total",
		Help: "Ledger batches rejected before commit",
	}, []string{"reason"})

	// LedgerImbalances counts invariant violations. Any increase pages.
	LedgerImbalances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_ledger_imbalance_total",
		Help: "Ledger batches that did not sum to zero",
	})

	// BetsPlaced counts accepted bets by side.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_bets_total",
		Help: "Accepted bets",
	}, []string{"side"})

	// BetVolume accumulates accepted stake in smallest units.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_bet_volume_units_total",
		Help: "Accepted stake in smallest currency units",
	}, []string{"side"})

	// BetRejections counts refused bets by error kind.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_bet_rejections_total",
		Help: "Bets rejected",
	}, []string{"kind"})

	// RoundTransitions counts state machine transitions by target state.
	RoundTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_round_transitions_total",
		Help: "Round state transitions",
	}, []string{"to"})

	// Settlements counts completed settlements by result and trigger mode.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_settlements_total",
		Help: "Completed round settlements",
	}, []string{"result", "mode"})

	// SettlementDuration tracks end-to-end settlement time including oracle waits.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_settlement_duration_seconds",
		Help:    "Settlement duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 1800},
	})

	// SettlementsHalted is the number of rounds awaiting operator action.
	SettlementsHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_settlements_halted",
		Help: "Rounds with automatic settlement halted",
	})

	// OracleAttempts counts price lookups by outcome.
	OracleAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_oracle_attempts_total",
		Help: "Price oracle attempts",
	}, []string{"outcome"})

	// OracleForcedVoids counts rounds voided because the grace window expired.
	OracleForcedVoids = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_oracle_forced_void_total",
		Help: "Rounds voided after the oracle grace window expired",
	})

	// Withdrawals counts withdrawal state changes.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_withdrawals_total",
		Help: "Withdrawal state changes",
	}, []string{"status"})

	// SchedulerTicks counts reconcile passes, labelled by whether this
	// instance held leadership.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_scheduler_ticks_total",
		Help: "Scheduler reconcile passes",
	}, []string{"leader"})

	// SchedulerErrors counts failed scheduler steps by phase.
	SchedulerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_scheduler_errors_total",
		Help: "Scheduler step failures",
	}, []string{"phase"})

	// EventsPublished counts lifecycle events by sink and outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_events_published_total",
		Help: "Lifecycle events published",
	}, []string{"sink", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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
