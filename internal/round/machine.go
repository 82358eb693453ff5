package round

import (
	"fmt"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/model"
)

var transitions = map[model.RoundStatus][]model.RoundStatus{
	model.RoundOpen:   {model.RoundLocked},
	model.RoundLocked: {model.RoundSettled, model.RoundVoid},
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to model.RoundStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves r to the next state. Settling a terminal round fails
// with apperr.ErrAlreadySettled; any other illegal step fails with
// apperr.ErrInvalidTransition.
func Transition(r *model.Round, to model.RoundStatus) error {
	if CanTransition(r.Status, to) {
		r.Status = to
		return nil
	}
	if r.Status.Terminal() && to.Terminal() {
		return fmt.Errorf("round %s is %s: %w", r.Code, r.Status, apperr.ErrAlreadySettled)
	}
	return fmt.Errorf("round %s: %s -> %s: %w", r.Code, r.Status, to, apperr.ErrInvalidTransition)
}
