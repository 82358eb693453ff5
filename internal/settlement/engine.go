// Package settlement resolves a LOCKED round's outcome and posts its
// payouts as one balanced ledger batch.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/parimutuel"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/store"
)

// Mode selects how the outcome is decided.
type Mode string

const (
	ModeAuto Mode = "AUTO"
	ModeUp   Mode = "UP"
	ModeDown Mode = "DOWN"
	ModeVoid Mode = "VOID"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeAuto, ModeUp, ModeDown, ModeVoid:
		return m, nil
	}
	return "", fmt.Errorf("settlement mode %q: %w", s, apperr.ErrInvalidInput)
}

// Report summarises a committed settlement.
type Report struct {
	Round      *model.Round `json:"round"`
	Mode       Mode         `json:"mode"`
	Requested  model.Result `json:"requested"`
	Forced     bool         `json:"forced"`
	Ambiguous  bool         `json:"ambiguous"`
	WinnerPool int64        `json:"winner_pool"`
	LoserPool  int64        `json:"loser_pool"`
	Fee        int64        `json:"fee"`
	Dust       int64        `json:"dust"`
	Paid       int64        `json:"paid"`
	Attempts   int          `json:"oracle_attempts"`
	// Cleared is set when the settlement lifted a halt.
	Cleared bool `json:"cleared_halt,omitempty"`
}

// EngineParams configure the settlement engine.
type EngineParams struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Locks     *lock.Keyed
	Schedule  round.Schedule
	Resolver  *oracle.Resolver
	Halts     *Halts
	Publisher events.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Engine settles rounds. Automatic and manual settlement share Settle.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	locks     *lock.Keyed
	schedule  round.Schedule
	resolver  *oracle.Resolver
	halts     *Halts
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time

	buildEntries func(plan *parimutuel.Plan, ref string) []model.EntryDraft
}

// NewEngine builds an engine. Locks must be the same instance the round
// service uses.
func NewEngine(p EngineParams) *Engine {
	if p.Locks == nil {
		p.Locks = lock.NewKeyed()
	}
	if p.Halts == nil {
		p.Halts = NewHalts(p.Store)
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Engine{
		store:        p.Store,
		ledger:       p.Ledger,
		locks:        p.Locks,
		schedule:     p.Schedule,
		resolver:     p.Resolver,
		halts:        p.Halts,
		publisher:    p.Publisher,
		log:          p.Logger,
		now:          p.Now,
		buildEntries: Entries,
	}
}

// Halts exposes the halt registry.
func (e *Engine) Halts() *Halts { return e.halts }

// ReferenceID is the single reference every settlement of code posts under.
func ReferenceID(code string) string {
	return ledger.ReferenceID(model.RefSettlement, code)
}

// Settle decides the outcome of a LOCKED round and commits it.
//
// The oracle is consulted before any lock is taken. The round lock is then
// held across the whole write so a concurrent caller waits and observes
// apperr.ErrAlreadySettled.
func (e *Engine) Settle(ctx context.Context, code string, mode Mode) (*Report, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	r, err := e.store.GetRound(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := checkSettleable(r, mode); err != nil {
		return nil, err
	}

	started := e.now()
	outcome, err := e.resolve(ctx, r, mode)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var report *Report
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		report, err = e.settleTx(ctx, tx, code, mode, outcome)
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrLedgerImbalance) {
			if herr := e.halts.Halt(context.WithoutCancel(ctx), code, err.Error(), e.now()); herr != nil {
				e.log.Error().Err(herr).Str("round", code).Bool("critical", true).Msg("record settlement halt")
			}
			e.log.Error().Err(err).
				Str("round", code).
				Str("mode", string(mode)).
				Bool("critical", true).
				Msg("settlement batch unbalanced, automatic settlement halted")
		}
		return nil, err
	}

	if report.Cleared {
		if _, err := e.halts.List(ctx); err != nil {
			e.log.Warn().Err(err).Msg("refresh halt gauge")
		}
	}
	metrics.Settlements.WithLabelValues(string(report.Round.Result), strings.ToLower(string(mode))).Inc()
	metrics.SettlementDuration.Observe(e.now().Sub(started).Seconds())
	metrics.RoundTransitions.WithLabelValues(string(report.Round.Status)).Inc()

	e.log.Info().
		Str("round", code).
		Str("mode", string(mode)).
		Str("result", string(report.Round.Result)).
		Bool("forced", report.Forced).
		Bool("ambiguous", report.Ambiguous).
		Int64("fee", report.Fee).
		Int64("dust", report.Dust).
		Int64("paid", report.Paid).
		Msg("round settled")
	e.publisher.Publish(ctx, events.New(events.RoundSettled, code, "", report))
	return report, nil
}

func (e *Engine) settleTx(ctx context.Context, tx store.Tx, code string, mode Mode, outcome oracle.Outcome) (*Report, error) {
	r, err := tx.GetRoundForUpdate(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := checkSettleable(r, mode); err != nil {
		return nil, err
	}
	cleared := r.Halted()

	ref := ReferenceID(code)
	posted, err := tx.HasReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if posted {
		return nil, fmt.Errorf("round %s has settlement entries: %w", code, apperr.ErrAlreadySettled)
	}

	bets, err := tx.ListBets(ctx, code)
	if err != nil {
		return nil, err
	}
	stakes := make([]parimutuel.Stake, len(bets))
	for i, b := range bets {
		stakes[i] = parimutuel.Stake{ID: b.ID, UserID: b.UserID, Side: b.Side, Amount: b.Stake}
	}
	plan, err := parimutuel.Compute(stakes, outcome.Result, r.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("round %s: compute payouts: %w", code, err)
	}

	if drafts := e.buildEntries(plan, ref); len(drafts) > 0 {
		if _, err := e.ledger.PostTx(ctx, tx, drafts); err != nil {
			return nil, err
		}
	}

	settledAt := e.now().UTC()
	for i, p := range plan.Payouts {
		b := bets[i]
		b.Status = p.Status
		b.Payout = p.Amount
		b.SettledAt = &settledAt
		if err := tx.UpdateBet(ctx, &b); err != nil {
			return nil, err
		}
	}

	target := model.RoundSettled
	if plan.Result == model.ResultVoid {
		target = model.RoundVoid
	}
	if err := round.Transition(r, target); err != nil {
		return nil, err
	}
	r.Result = plan.Result
	if outcome.Reference.Valid {
		r.ReferencePrice = outcome.Reference
	}
	r.ClosePrice = outcome.Close
	r.SettledAt = &settledAt
	r.HaltReason = ""
	r.HaltedAt = nil
	r.Reveal = &model.Reveal{
		Date:           code,
		ClosePrice:     r.ClosePrice,
		ReferencePrice: r.ReferencePrice,
		Result:         r.Result,
		Seed:           r.Seed,
	}
	if err := tx.UpdateRound(ctx, r); err != nil {
		return nil, err
	}

	return &Report{
		Round:      r,
		Mode:       mode,
		Requested:  plan.Requested,
		Forced:     outcome.Forced,
		Ambiguous:  plan.Ambiguous,
		WinnerPool: plan.WinnerPool,
		LoserPool:  plan.LoserPool,
		Fee:        plan.Fee,
		Dust:       plan.Dust,
		Paid:       plan.TotalPaid(),
		Attempts:   outcome.Attempts,
		Cleared:    cleared,
	}, nil
}

func (e *Engine) resolve(ctx context.Context, r *model.Round, mode Mode) (oracle.Outcome, error) {
	switch mode {
	case ModeUp:
		return oracle.Outcome{Result: model.ResultUp, Reference: r.ReferencePrice}, nil
	case ModeDown:
		return oracle.Outcome{Result: model.ResultDown, Reference: r.ReferencePrice}, nil
	case ModeVoid:
		return oracle.Outcome{Result: model.ResultVoid, Reference: r.ReferencePrice}, nil
	}
	if e.resolver == nil {
		return oracle.Outcome{}, fmt.Errorf("round %s: no oracle configured: %w", r.Code, apperr.ErrOracleUnavailable)
	}

	day, err := round.ParseCode(r.Code, e.schedule.Location)
	if err != nil {
		return oracle.Outcome{}, err
	}
	return e.resolver.Resolve(ctx, oracle.Request{
		RoundCode:     r.Code,
		CloseDate:     day,
		ReferenceDate: round.PreviousTradingDay(day),
		Reference:     r.ReferencePrice,
		Deadline:      e.schedule.GraceDeadline(r.LockTs),
	})
}

func checkSettleable(r *model.Round, mode Mode) error {
	switch {
	case r.Status.Terminal():
		return fmt.Errorf("round %s is %s: %w", r.Code, r.Status, apperr.ErrAlreadySettled)
	case r.Status != model.RoundLocked:
		return fmt.Errorf("round %s is %s: %w", r.Code, r.Status, apperr.ErrInvalidTransition)
	case mode == ModeAuto && r.Halted():
		return fmt.Errorf("round %s halted (%s): %w", r.Code, r.HaltReason, apperr.ErrSettlementHalted)
	}
	return nil
}

// Entries builds the settlement batch for plan. Stakes leave locked and
// payouts land in cash, with the fee and rounding dust kept by the system.
// Voided plans post under the refund reference type.
func Entries(plan *parimutuel.Plan, ref string) []model.EntryDraft {
	refType := model.RefSettlement
	if plan.Result == model.ResultVoid {
		refType = model.RefRefund
	}
	drafts := make([]model.EntryDraft, 0, 2*len(plan.Payouts)+2)
	for _, p := range plan.Payouts {
		drafts = append(drafts, model.EntryDraft{
			Account: model.AccountLocked, UserID: p.UserID, Amount: -p.Stake,
			ReferenceType: refType, ReferenceID: ref,
		})
		if p.Amount > 0 {
			drafts = append(drafts, model.EntryDraft{
				Account: model.AccountCash, UserID: p.UserID, Amount: p.Amount,
				ReferenceType: refType, ReferenceID: ref,
			})
		}
	}
	if plan.Fee > 0 {
		drafts = append(drafts, model.EntryDraft{
			Account: model.AccountFees, Amount: plan.Fee,
			ReferenceType: refType, ReferenceID: ref,
		})
	}
	if plan.Dust > 0 {
		drafts = append(drafts, model.EntryDraft{
			Account: model.AccountHouse, Amount: plan.Dust,
			ReferenceType: refType, ReferenceID: ref,
		})
	}
	return drafts
}
