package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/metrics"
)

// RouterParams configures NewRouter.
type RouterParams struct {
	Handler *Handler
	// WebSocket serves GET /api/v1/ws. Nil disables the route.
	WebSocket http.HandlerFunc
	// Timeout bounds every request except manual settlement, which may
	// wait out the oracle grace window.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewRouter builds the HTTP surface. /health is liveness only; /ready also
// checks the store.
func NewRouter(p RouterParams) http.Handler {
	h := p.Handler
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(p.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "updown-engine"})
	})
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if p.WebSocket != nil {
			r.Get("/ws", p.WebSocket)
		}

		// Settlement can block on the oracle for the whole grace window.
		r.Post("/rounds/{code}/settle", h.SettleRound)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Get("/rounds", h.ListRounds)
			r.Post("/rounds", h.OpenRound)
			r.Get("/rounds/{code}", h.GetRound)
			r.Post("/rounds/{code}/lock", h.LockRound)
			r.Get("/settlements/halts", h.ListHalts)

			r.Post("/bets", h.PlaceBet)

			r.Post("/deposits/simulate", h.SimulateDeposit)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/confirm", h.ConfirmWithdrawal)
			r.Post("/withdrawals/{id}/fail", h.FailWithdrawal)

			r.Get("/users/{userID}/balances", h.GetBalances)
			r.Get("/tvl", h.GetTVL)
			r.Get("/ledger/audit", h.GetAudit)
			r.Get("/ledger/entries", h.GetEntries)
		})
	})
	return r
}

// RequestLogger logs one line per request with status and duration.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// cors allows browser clients on other origins.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
