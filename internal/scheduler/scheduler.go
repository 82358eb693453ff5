// Package scheduler drives the daily round lifecycle from the wall clock.
//
// Each tick is one idempotent reconcile pass: open today's round, lock
// rounds past lock_ts, start automatic settlement for rounds past
// settle_ts, and dispatch approved withdrawals. A missed tick or a restart
// is caught up by the next pass; repeats are absorbed by the state machine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/wallet"
)

const defaultInterval = 30 * time.Second

// Params configure the scheduler.
type Params struct {
	Rounds     *round.Service
	Settlement *settlement.Engine
	// Wallet is optional; without it withdrawals are not dispatched.
	Wallet *wallet.Service
	// Leader is optional; without it every tick runs.
	Leader   lock.Leader
	FeeBps   int
	Interval time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Scheduler runs reconcile passes on a fixed cadence.
type Scheduler struct {
	rounds     *round.Service
	settlement *settlement.Engine
	wallet     *wallet.Service
	leader     lock.Leader
	feeBps     int
	interval   time.Duration
	log        zerolog.Logger
	now        func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
}

// New builds a scheduler.
func New(p Params) (*Scheduler, error) {
	if p.Rounds == nil {
		return nil, errors.New("round service required")
	}
	if p.Settlement == nil {
		return nil, errors.New("settlement engine required")
	}
	if p.Interval <= 0 {
		p.Interval = defaultInterval
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Scheduler{
		rounds:     p.Rounds,
		settlement: p.Settlement,
		wallet:     p.Wallet,
		leader:     p.Leader,
		feeBps:     p.FeeBps,
		interval:   p.Interval,
		log:        p.Logger,
		now:        p.Now,
	}, nil
}

// Run ticks until ctx is cancelled, then waits for in-flight settlements.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	if err := s.Tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduler pass failed")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduler pass failed")
			}
		}
	}
}

// Wait blocks until every settlement started by Tick has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick runs one reconcile pass. Settlements it starts run in the
// background; use Wait to join them.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.leader != nil {
		ok, err := s.leader.Acquire(ctx)
		if err != nil {
			metrics.SchedulerErrors.WithLabelValues("leader").Inc()
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		if !ok {
			metrics.SchedulerTicks.WithLabelValues("false").Inc()
			s.log.Debug().Msg("another instance holds the scheduler lock")
			return nil
		}
		defer func() {
			if err := s.leader.Release(ctx); err != nil {
				s.log.Warn().Err(err).Msg("release scheduler lock")
			}
		}()
	}
	metrics.SchedulerTicks.WithLabelValues("true").Inc()

	now := s.now()
	var errs error
	errs = multierr.Append(errs, s.step("open", func() error { return s.openToday(ctx, now) }))
	errs = multierr.Append(errs, s.step("lock", func() error { return s.lockDue(ctx, now) }))
	errs = multierr.Append(errs, s.step("settle", func() error { return s.settleDue(ctx, now) }))
	if s.wallet != nil {
		errs = multierr.Append(errs, s.step("dispatch", func() error {
			sum, err := s.wallet.DispatchPending(ctx)
			if sum.Sent+sum.Failed+sum.Unresolved > 0 {
				s.log.Info().Int("sent", sum.Sent).Int("failed", sum.Failed).
					Int("unresolved", sum.Unresolved).Msg("withdrawals dispatched")
			}
			return err
		}))
	}
	return errs
}

func (s *Scheduler) step(phase string, fn func() error) error {
	if err := fn(); err != nil {
		metrics.SchedulerErrors.WithLabelValues(phase).Inc()
		return fmt.Errorf("%s: %w", phase, err)
	}
	return nil
}

// openToday opens the round for now's date on trading days between the
// configured open and lock times.
func (s *Scheduler) openToday(ctx context.Context, now time.Time) error {
	sched := s.rounds.Schedule()
	local := now.In(sched.Location)
	if !round.IsTradingDay(local) {
		return nil
	}
	open, lockTs, _ := sched.Times(local)
	if now.Before(open) || !now.Before(lockTs) {
		return nil
	}
	_, err := s.rounds.Open(ctx, round.CodeFor(local, sched.Location), now, s.feeBps)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (s *Scheduler) lockDue(ctx context.Context, now time.Time) error {
	rounds, err := s.rounds.List(ctx, model.RoundOpen)
	if err != nil {
		return err
	}
	var errs error
	for _, r := range rounds {
		if now.Before(r.LockTs) {
			continue
		}
		if _, err := s.rounds.Lock(ctx, r.Code); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("round %s: %w", r.Code, err))
		}
	}
	return errs
}

func (s *Scheduler) settleDue(ctx context.Context, now time.Time) error {
	rounds, err := s.rounds.List(ctx, model.RoundLocked)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		if now.Before(r.SettleTs) {
			continue
		}
		if r.Halted() {
			s.log.Warn().Str("round", r.Code).Msg("automatic settlement halted, awaiting operator")
			continue
		}
		if _, busy := s.inflight.LoadOrStore(r.Code, struct{}{}); busy {
			continue
		}
		s.wg.Add(1)
		go s.settle(ctx, r.Code)
	}
	return nil
}

func (s *Scheduler) settle(ctx context.Context, code string) {
	defer s.wg.Done()
	defer s.inflight.Delete(code)

	_, err := s.settlement.Settle(ctx, code, settlement.ModeAuto)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrAlreadySettled):
		s.log.Debug().Str("round", code).Msg("round already settled")
	case errors.Is(err, context.Canceled):
		s.log.Info().Str("round", code).Msg("settlement interrupted by shutdown")
	default:
		metrics.SchedulerErrors.WithLabelValues("settle").Inc()
		s.log.Error().Err(err).Str("round", code).Msg("automatic settlement failed")
	}
}
