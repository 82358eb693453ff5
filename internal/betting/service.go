// Package betting places stakes on open rounds.
//
// A bet is one ledger batch (cash -> locked) plus one bet row, committed
// together. Placement is serialized per user so two concurrent bets can
// never both pass the balance check against the same stale cash balance.
package betting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/risk"
	"github.com/atmx/updown-engine/internal/store"
)

// Service handles bet placement.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	users     *lock.Keyed
	limiter   *risk.StakeLimiter
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates a betting service. users is the per-user lock shared
// with every other writer of user balances. Pass nil for limiter to
// disable the stake cap and nil for pub to publish nothing.
func NewService(st store.Store, l *ledger.Ledger, users *lock.Keyed, limiter *risk.StakeLimiter, pub events.Publisher, log zerolog.Logger) *Service {
	if users == nil {
		users = lock.NewKeyed()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		store:     st,
		ledger:    l,
		users:     users,
		limiter:   limiter,
		publisher: pub,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests and the scheduler demo.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	UserID    string     `json:"user_id"`
	RoundCode string     `json:"round_code"`
	Side      model.Side `json:"side"` // "UP" or "DOWN"
	Stake     int64      `json:"stake"`
}

// PlaceBet holds req.Stake from the user's cash and records a PENDING bet.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, error) {
	bet, err := s.place(ctx, req)
	if err != nil {
		metrics.BetRejections.WithLabelValues(string(apperr.KindOf(err))).Inc()
		s.log.Debug().Err(err).
			Str("user", req.UserID).
			Str("round", req.RoundCode).
			Int64("stake", req.Stake).
			Msg("bet rejected")
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(string(bet.Side)).Inc()
	metrics.BetVolume.WithLabelValues(string(bet.Side)).Add(float64(bet.Stake))
	s.log.Info().
		Str("bet", bet.ID).
		Str("user", bet.UserID).
		Str("round", bet.RoundCode).
		Str("side", string(bet.Side)).
		Int64("stake", bet.Stake).
		Msg("bet placed")
	s.publisher.Publish(ctx, events.New(events.BetPlaced, bet.RoundCode, bet.UserID, bet))
	return bet, nil
}

func (s *Service) place(ctx context.Context, req PlaceBetRequest) (*model.Bet, error) {
	// --- Input validation ---
	if req.Stake <= 0 {
		return nil, fmt.Errorf("stake %d: %w", req.Stake, apperr.ErrInvalidStake)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("side %q must be UP or DOWN: %w", req.Side, apperr.ErrInvalidInput)
	}
	if req.UserID == "" || req.RoundCode == "" {
		return nil, fmt.Errorf("user_id and round_code are required: %w", apperr.ErrInvalidInput)
	}

	unlock, err := s.users.Lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	bet := &model.Bet{
		ID:        uuid.NewString(),
		RoundCode: req.RoundCode,
		UserID:    req.UserID,
		Side:      req.Side,
		Stake:     req.Stake,
		Status:    model.BetPending,
		CreatedAt: now.UTC(),
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Shared row lock: bets proceed in parallel, a concurrent lock waits.
		r, err := tx.GetRoundForShare(ctx, req.RoundCode)
		if err != nil {
			return err
		}
		if r.Status != model.RoundOpen || !now.Before(r.LockTs) {
			return fmt.Errorf("round %s is %s, lock_ts %s: %w",
				r.Code, r.Status, r.LockTs.Format(time.RFC3339), apperr.ErrInvalidRoundState)
		}

		existing, err := tx.UserStake(ctx, req.RoundCode, req.UserID)
		if err != nil {
			return err
		}
		if err := s.limiter.CheckStake(existing, req.Stake); err != nil {
			return err
		}

		if _, err := s.ledger.PostTx(ctx, tx, []model.EntryDraft{
			{Account: model.AccountCash, UserID: req.UserID, Amount: -req.Stake, ReferenceType: model.RefBet, ReferenceID: bet.ID},
			{Account: model.AccountLocked, UserID: req.UserID, Amount: req.Stake, ReferenceType: model.RefBet, ReferenceID: bet.ID},
		}); err != nil {
			return err
		}
		return tx.InsertBet(ctx, bet)
	})
	if err != nil {
		return nil, err
	}
	return bet, nil
}

// ListBets returns the bets on a round.
func (s *Service) ListBets(ctx context.Context, roundCode string) ([]model.Bet, error) {
	return s.store.ListBets(ctx, roundCode)
}
