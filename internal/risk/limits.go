// Package risk implements per-user exposure limits and the withdrawal
// approval policy.
//
// Limits are checked inside the caller's transaction, against totals read
// under the same user lock, so two concurrent bets cannot both fit under a
// cap that only one of them should.
package risk

import (
	"fmt"
	"math"

	"github.com/atmx/updown-engine/internal/apperr"
)

// StakeLimiter caps how much one user may stake on a single round.
type StakeLimiter struct {
	// MaxPerRound is the largest total stake per user per round.
	// Zero disables the cap.
	MaxPerRound int64
}

// NewStakeLimiter creates a limiter. A non-positive max disables it.
func NewStakeLimiter(maxPerRound int64) *StakeLimiter {
	if maxPerRound < 0 {
		maxPerRound = 0
	}
	return &StakeLimiter{MaxPerRound: maxPerRound}
}

// CheckStake validates that adding stake to the user's existing total on
// the round stays within the cap.
//
// Parameters:
//   - existing: the user's stake already placed on the round
//   - stake: the new stake, already known to be positive
func (l *StakeLimiter) CheckStake(existing, stake int64) error {
	if l == nil || l.MaxPerRound == 0 {
		return nil
	}
	if existing > math.MaxInt64-stake || existing+stake > l.MaxPerRound {
		return fmt.Errorf("stake %d on top of %d exceeds %d per round: %w",
			stake, existing, l.MaxPerRound, apperr.ErrStakeLimit)
	}
	return nil
}

// WithdrawalPolicy decides which withdrawals dispatch without an operator.
type WithdrawalPolicy struct {
	// AutoApproveMax is the largest amount approved on request.
	// Zero approves every withdrawal.
	AutoApproveMax int64
}

// AutoApprove reports whether amount skips manual review.
func (p WithdrawalPolicy) AutoApprove(amount int64) bool {
	return p.AutoApproveMax <= 0 || amount <= p.AutoApproveMax
}
