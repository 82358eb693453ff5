package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// Halt records why automatic settlement of a round stopped.
type Halt struct {
	RoundCode string    `json:"round_code"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Halts is the set of rounds awaiting operator action. The halt is stored
// on the round itself, so it survives restarts and is shared by every
// replica. Automatic settlement skips halted rounds; a successful manual
// settlement clears the halt in the same transaction.
type Halts struct {
	store store.Store
}

func NewHalts(st store.Store) *Halts {
	return &Halts{store: st}
}

// Halt stops automatic settlement of a non-terminal round.
func (h *Halts) Halt(ctx context.Context, code, reason string, at time.Time) error {
	if reason == "" {
		return fmt.Errorf("halt reason required: %w", apperr.ErrInvalidInput)
	}
	err := h.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return fmt.Errorf("round %s is %s: %w", code, r.Status, apperr.ErrAlreadySettled)
		}
		at = at.UTC()
		r.HaltReason = reason
		r.HaltedAt = &at
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return err
	}
	_, err = h.List(ctx)
	return err
}

func (h *Halts) IsHalted(ctx context.Context, code string) (bool, error) {
	r, err := h.store.GetRound(ctx, code)
	if err != nil {
		return false, err
	}
	return r.Halted(), nil
}

// List returns halts ordered by round code.
func (h *Halts) List(ctx context.Context) ([]Halt, error) {
	rounds, err := h.store.ListRounds(ctx, model.RoundOpen, model.RoundLocked)
	if err != nil {
		return nil, err
	}
	out := make([]Halt, 0)
	for _, r := range rounds {
		if !r.Halted() {
			continue
		}
		halt := Halt{RoundCode: r.Code, Reason: r.HaltReason}
		if r.HaltedAt != nil {
			halt.At = *r.HaltedAt
		}
		out = append(out, halt)
	}
	metrics.SettlementsHalted.Set(float64(len(out)))
	return out, nil
}
