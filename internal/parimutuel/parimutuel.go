// Package parimutuel computes pooled-betting payouts in integer smallest
// currency units.
//
// Losers fund the pot. The house takes fee_bps of the losing pool, and
// winners split what remains pro rata by stake on top of their own stake
// returned. Every division floors; the remainder (dust) goes to the house,
// so stakes in == payouts + fee + dust exactly.
//
// A round with no winning stake has no one to pay and is voided: every
// stake is refunded and no fee is taken.
package parimutuel

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10000

var (
	// ErrInvalidFee is returned when fee_bps is outside [0, 10000].
	ErrInvalidFee = errors.New("parimutuel: fee_bps must be within 0..10000")

	// ErrInvalidStake is returned for a non-positive stake or unknown side.
	ErrInvalidStake = errors.New("parimutuel: invalid stake")

	// ErrInvalidResult is returned when the result is not UP, DOWN or VOID.
	ErrInvalidResult = errors.New("parimutuel: result must be UP, DOWN or VOID")

	// ErrPoolOverflow is returned when pool totals exceed int64.
	ErrPoolOverflow = errors.New("parimutuel: pool total overflows")
)

// Stake is one bet as seen by the payout math.
type Stake struct {
	ID     string
	UserID string
	Side   model.Side
	Amount int64
}

// Payout is the settlement of one stake. Amount is what returns to the
// bettor's cash, stake included; zero for a loser.
type Payout struct {
	ID     string
	UserID string
	Side   model.Side
	Stake  int64
	Amount int64
	Status model.BetStatus
}

// Plan is a complete, balanced settlement of one round.
type Plan struct {
	// Requested is the outcome asked for; Result is what was applied.
	Requested model.Result
	Result    model.Result
	// Ambiguous is set when a side won with no stake on it.
	Ambiguous     bool
	FeeBps        int
	WinnerPool    int64
	LoserPool     int64
	Fee           int64
	Distributable int64
	Dust          int64
	Payouts       []Payout
}

// Compute settles stakes for result. Payouts keep the input order.
func Compute(stakes []Stake, result model.Result, feeBps int) (*Plan, error) {
	if feeBps < 0 || feeBps > BpsDenominator {
		return nil, ErrInvalidFee
	}
	if result != model.ResultUp && result != model.ResultDown && result != model.ResultVoid {
		return nil, ErrInvalidResult
	}

	plan := &Plan{Requested: result, Result: result, FeeBps: feeBps}
	for _, s := range stakes {
		if s.Amount <= 0 || !s.Side.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStake, s.ID)
		}
		if result == model.ResultVoid {
			continue
		}
		if string(s.Side) == string(result) {
			if plan.WinnerPool > math.MaxInt64-s.Amount {
				return nil, ErrPoolOverflow
			}
			plan.WinnerPool += s.Amount
		} else {
			if plan.LoserPool > math.MaxInt64-s.Amount {
				return nil, ErrPoolOverflow
			}
			plan.LoserPool += s.Amount
		}
	}
	if plan.LoserPool > math.MaxInt64-plan.WinnerPool {
		return nil, ErrPoolOverflow
	}

	if result != model.ResultVoid && plan.WinnerPool == 0 {
		plan.Ambiguous = true
		plan.Result = model.ResultVoid
	}

	if plan.Result == model.ResultVoid {
		plan.WinnerPool, plan.LoserPool = 0, 0
		plan.Payouts = make([]Payout, len(stakes))
		for i, s := range stakes {
			plan.Payouts[i] = Payout{
				ID: s.ID, UserID: s.UserID, Side: s.Side,
				Stake: s.Amount, Amount: s.Amount, Status: model.BetRefunded,
			}
		}
		return plan, nil
	}

	plan.Fee = mulDiv(plan.LoserPool, int64(feeBps), BpsDenominator)
	plan.Distributable = plan.LoserPool - plan.Fee

	var distributed int64
	plan.Payouts = make([]Payout, len(stakes))
	for i, s := range stakes {
		p := Payout{ID: s.ID, UserID: s.UserID, Side: s.Side, Stake: s.Amount}
		if string(s.Side) == string(plan.Result) {
			share := mulDiv(plan.Distributable, s.Amount, plan.WinnerPool)
			distributed += share
			p.Amount = s.Amount + share
			p.Status = model.BetWon
		} else {
			p.Status = model.BetLost
		}
		plan.Payouts[i] = p
	}
	plan.Dust = plan.Distributable - distributed
	return plan, nil
}

// TotalPaid sums every payout amount.
func (p *Plan) TotalPaid() int64 {
	var total int64
	for _, po := range p.Payouts {
		total += po.Amount
	}
	return total
}

// TotalStaked sums every stake in the plan.
func (p *Plan) TotalStaked() int64 {
	var total int64
	for _, po := range p.Payouts {
		total += po.Stake
	}
	return total
}

// mulDiv returns floor(a*b/c) for non-negative a, b and positive c with a
// 128-bit intermediate. Callers guarantee the quotient fits in int64.
func mulDiv(a, b, c int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}

// MultiplierScale is the number of decimal places in displayed multipliers.
var MultiplierScale int32 = 4

// ImpliedMultipliers returns the gross return per unit staked on each side
// if that side wins, given the current pools. A side with no stake has a
// zero multiplier.
func ImpliedMultipliers(upPool, downPool int64, feeBps int) (up, down decimal.Decimal) {
	keep := decimal.NewFromInt(int64(BpsDenominator - feeBps)).Div(decimal.NewFromInt(BpsDenominator))
	return multiplier(upPool, downPool, keep), multiplier(downPool, upPool, keep)
}

func multiplier(side, other int64, keep decimal.Decimal) decimal.Decimal {
	if side <= 0 {
		return decimal.Zero
	}
	s := decimal.NewFromInt(side)
	return decimal.NewFromInt(other).Mul(keep).Div(s).Add(decimal.NewFromInt(1)).Round(MultiplierScale)
}
