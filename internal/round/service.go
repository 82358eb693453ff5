package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/parimutuel"
	"github.com/atmx/updown-engine/internal/store"
)

const referenceFetchTimeout = 5 * time.Second

// ServiceParams configure the round service.
type ServiceParams struct {
	Store    store.Store
	Locks    *lock.Keyed
	Schedule Schedule
	// Oracle is optional; when set, open captures the prior close.
	Oracle    oracle.Oracle
	Publisher events.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Service is the single writer of round status outside settlement.
type Service struct {
	store     store.Store
	locks     *lock.Keyed
	schedule  Schedule
	oracle    oracle.Oracle
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService builds a round service.
func NewService(p ServiceParams) *Service {
	if p.Locks == nil {
		p.Locks = lock.NewKeyed()
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		store:     p.Store,
		locks:     p.Locks,
		schedule:  p.Schedule,
		oracle:    p.Oracle,
		publisher: p.Publisher,
		log:       p.Logger,
		now:       p.Now,
	}
}

// Schedule returns the configured schedule.
func (s *Service) Schedule() Schedule { return s.schedule }

// Open creates the round for code, sealing its parameters in the commit
// hash. start is open_ts; zero means now.
func (s *Service) Open(ctx context.Context, code string, start time.Time, feeBps int) (*model.Round, error) {
	day, err := ParseCode(code, s.schedule.Location)
	if err != nil {
		return nil, err
	}
	if feeBps < 0 || feeBps > parimutuel.BpsDenominator {
		return nil, fmt.Errorf("fee_bps %d: %w", feeBps, apperr.ErrInvalidInput)
	}
	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC().Truncate(time.Second)

	_, lockTs, settleTs := s.schedule.Times(day)
	if !start.Before(lockTs) {
		return nil, fmt.Errorf("round %s: open %s is not before lock %s: %w",
			code, start.Format(time.RFC3339), lockTs.Format(time.RFC3339), apperr.ErrInvalidInput)
	}
	if _, err := s.store.GetRound(ctx, code); err == nil {
		return nil, fmt.Errorf("round %s: %w", code, apperr.ErrAlreadyExists)
	}

	seed := NewSeed()
	r := &model.Round{
		Code:           code,
		Status:         model.RoundOpen,
		OpenTs:         start,
		LockTs:         lockTs.UTC(),
		SettleTs:       settleTs.UTC(),
		FeeBps:         feeBps,
		CommitHash:     CommitHash(code, start, feeBps, seed),
		Seed:           seed,
		ReferencePrice: s.fetchReference(ctx, code, day),
		CreatedAt:      s.now().UTC(),
	}

	unlock, err := s.locks.Lock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	metrics.RoundTransitions.WithLabelValues(string(model.RoundOpen)).Inc()
	s.log.Info().
		Str("round", code).
		Time("lock_ts", r.LockTs).
		Int("fee_bps", feeBps).
		Str("commit_hash", r.CommitHash).
		Bool("reference_known", r.ReferencePrice.Valid).
		Msg("round opened")
	s.publisher.Publish(ctx, events.New(events.RoundOpened, code, "", r))
	return r, nil
}

// Lock closes betting on code. Locking a LOCKED round is a no-op.
func (s *Service) Lock(ctx context.Context, code string) (*model.Round, error) {
	unlock, err := s.locks.Lock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *model.Round
	changed := false
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, code)
		if err != nil {
			return err
		}
		out = r
		if r.Status == model.RoundLocked {
			return nil
		}
		if err := Transition(r, model.RoundLocked); err != nil {
			return err
		}
		changed = true
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.RoundTransitions.WithLabelValues(string(model.RoundLocked)).Inc()
		s.log.Info().Str("round", code).Msg("round locked")
		s.publisher.Publish(ctx, events.New(events.RoundLocked, code, "", out))
	}
	return out, nil
}

// Get returns a round.
func (s *Service) Get(ctx context.Context, code string) (*model.Round, error) {
	return s.store.GetRound(ctx, code)
}

// List returns rounds in any of statuses, or all rounds.
func (s *Service) List(ctx context.Context, statuses ...model.RoundStatus) ([]model.Round, error) {
	return s.store.ListRounds(ctx, statuses...)
}

// StatusView is a round with its pools and current odds.
type StatusView struct {
	model.Round
	Pools          model.Pools     `json:"pools"`
	UpMultiplier   decimal.Decimal `json:"up_multiplier"`
	DownMultiplier decimal.Decimal `json:"down_multiplier"`
	// CommitVerified is only present once the seed is revealed.
	CommitVerified *bool `json:"commit_verified,omitempty"`
}

// Status returns the public view of a round.
func (s *Service) Status(ctx context.Context, code string) (*StatusView, error) {
	r, err := s.store.GetRound(ctx, code)
	if err != nil {
		return nil, err
	}
	bets, err := s.store.ListBets(ctx, code)
	if err != nil {
		return nil, err
	}

	view := &StatusView{Round: *r, Pools: Pools(bets)}
	view.UpMultiplier, view.DownMultiplier = parimutuel.ImpliedMultipliers(view.Pools.Up, view.Pools.Down, r.FeeBps)
	if r.Status.Terminal() {
		ok := VerifyCommit(r)
		view.CommitVerified = &ok
	}
	return view, nil
}

// Pools totals stakes per side.
func Pools(bets []model.Bet) model.Pools {
	var p model.Pools
	for _, b := range bets {
		switch b.Side {
		case model.SideUp:
			p.Up += b.Stake
		case model.SideDown:
			p.Down += b.Stake
		}
	}
	p.BetCount = len(bets)
	return p
}

func (s *Service) fetchReference(ctx context.Context, code string, day time.Time) decimal.NullDecimal {
	if s.oracle == nil {
		return decimal.NullDecimal{}
	}
	ctx, cancel := context.WithTimeout(ctx, referenceFetchTimeout)
	defer cancel()

	prev := PreviousTradingDay(day)
	p, err := s.oracle.Close(ctx, prev)
	if err != nil {
		level := s.log.Warn()
		if errors.Is(err, oracle.ErrUnavailable) {
			level = s.log.Info()
		}
		level.Err(err).Str("round", code).Str("reference_date", oracle.DateKey(prev)).
			Msg("reference price deferred to settlement")
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(p)
}
