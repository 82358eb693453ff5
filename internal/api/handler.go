// Package api binds the engine's operations to HTTP.
//
// Handlers hold no logic of their own. Every state change goes through
// the same service call the scheduler uses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/betting"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/wallet"
)

// Params are the services the handler delegates to.
type Params struct {
	Rounds     *round.Service
	Settlement *settlement.Engine
	Bets       *betting.Service
	Wallet     *wallet.Service
	Ledger     *ledger.Ledger
	Store      store.Store
	FeeBps     int
	Logger     zerolog.Logger
}

// Handler serves the /api/v1 routes.
type Handler struct {
	rounds     *round.Service
	settlement *settlement.Engine
	bets       *betting.Service
	wallet     *wallet.Service
	ledger     *ledger.Ledger
	store      store.Store
	feeBps     int
	log        zerolog.Logger
}

func NewHandler(p Params) *Handler {
	return &Handler{
		rounds:     p.Rounds,
		settlement: p.Settlement,
		bets:       p.Bets,
		wallet:     p.Wallet,
		ledger:     p.Ledger,
		store:      p.Store,
		feeBps:     p.FeeBps,
		log:        p.Logger,
	}
}

// --- Request types ---

// OpenRoundRequest is the JSON body for POST /rounds.
type OpenRoundRequest struct {
	Code   string    `json:"code"`              // YYYYMMDD
	OpenTs time.Time `json:"open_ts,omitempty"` // zero → now
	FeeBps *int      `json:"fee_bps,omitempty"` // nil → configured default
}

// SettleRequest is the optional JSON body for POST /rounds/{code}/settle.
type SettleRequest struct {
	Result string `json:"result"` // AUTO, UP, DOWN or VOID; empty → AUTO
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// FailWithdrawalRequest is the JSON body for POST /withdrawals/{id}/fail.
type FailWithdrawalRequest struct {
	Reason string `json:"reason"`
}

// --- Health ---

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const readyTimeout = 2 * time.Second

// Ready handles GET /ready. It answers 503 until the store responds.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "unavailable", Error: "no store"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready"})
}

// --- Rounds ---

// OpenRound handles POST /api/v1/rounds
func (h *Handler) OpenRound(w http.ResponseWriter, r *http.Request) {
	var req OpenRoundRequest
	if !h.decode(w, r, &req) {
		return
	}
	fee := h.feeBps
	if req.FeeBps != nil {
		fee = *req.FeeBps
	}
	rd, err := h.rounds.Open(r.Context(), req.Code, req.OpenTs, fee)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

// ListRounds handles GET /api/v1/rounds
// Optional ?status=OPEN,LOCKED filters by status.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	var statuses []model.RoundStatus
	if q := r.URL.Query().Get("status"); q != "" {
		for _, s := range strings.Split(q, ",") {
			statuses = append(statuses, model.RoundStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	rounds, err := h.rounds.List(r.Context(), statuses...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRound handles GET /api/v1/rounds/{code}
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	view, err := h.rounds.Status(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// LockRound handles POST /api/v1/rounds/{code}/lock
func (h *Handler) LockRound(w http.ResponseWriter, r *http.Request) {
	rd, err := h.rounds.Lock(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// SettleRound handles POST /api/v1/rounds/{code}/settle
// AUTO may wait on the oracle until the grace window closes.
func (h *Handler) SettleRound(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Result == "" {
		req.Result = string(settlement.ModeAuto)
	}
	mode, err := settlement.ParseMode(req.Result)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.settlement.Settle(r.Context(), chi.URLParam(r, "code"), mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListHalts handles GET /api/v1/settlements/halts
func (h *Handler) ListHalts(w http.ResponseWriter, r *http.Request) {
	halts, err := h.settlement.Halts().List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, halts)
}

// --- Bets ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req betting.PlaceBetRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	bet, err := h.bets.PlaceBet(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// --- Wallet ---

// SimulateDeposit handles POST /api/v1/deposits/simulate
func (h *Handler) SimulateDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	rcpt, err := h.wallet.SimulateDeposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// RequestWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	wd, err := h.wallet.RequestWithdrawal(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

// ApproveWithdrawal handles POST /api/v1/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.wallet.ApproveWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// ConfirmWithdrawal handles POST /api/v1/withdrawals/{id}/confirm
func (h *Handler) ConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.wallet.ConfirmWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// FailWithdrawal handles POST /api/v1/withdrawals/{id}/fail
func (h *Handler) FailWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req FailWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	wd, err := h.wallet.FailWithdrawal(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// --- Read models ---

// GetBalances handles GET /api/v1/users/{userID}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	b, err := h.wallet.Balances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetTVL handles GET /api/v1/tvl
func (h *Handler) GetTVL(w http.ResponseWriter, r *http.Request) {
	tvl, err := h.wallet.TVL(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tvl)
}

// GetAudit handles GET /api/v1/ledger/audit
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetEntries handles GET /api/v1/ledger/entries?user_id=&reference_id=&limit=
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EntryFilter{UserID: q.Get("user_id"), ReferenceID: q.Get("reference_id"), Limit: 500}
	if l := q.Get("limit"); l != "" {
		if _, err := fmt.Sscanf(l, "%d", &filter.Limit); err != nil || filter.Limit <= 0 {
			h.writeError(w, r, fmt.Errorf("limit %q: %w", l, apperr.ErrInvalidInput))
			return
		}
	}
	entries, err := h.ledger.Entries(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Encoding ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, fmt.Errorf("invalid request body: %v: %w", err, apperr.ErrInvalidInput))
		return false
	}
	return true
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string      `json:"error"`
	Code      apperr.Kind `json:"code"`
	Retryable bool        `json:"retryable"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	md := apperr.Meta(kind)
	if md.HTTPStatus >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("code", string(kind)).Msg("request failed")
	}
	writeJSON(w, md.HTTPStatus, ErrorResponse{Error: err.Error(), Code: kind, Retryable: md.Retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
