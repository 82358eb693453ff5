// Package chain is the boundary to the settlement network that moves funds
// in and out of the system. Only the contract lives here; the simulated
// gateway stands in for development and tests.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/updown-engine/internal/model"
)

// ErrRejected is returned by a gateway that refused a withdrawal.
var ErrRejected = errors.New("chain: withdrawal rejected")

// DispatchResult is what the network reports for a submitted withdrawal.
type DispatchResult struct {
	TxHash string `json:"tx_hash"`
}

// Gateway submits approved withdrawals to the network.
type Gateway interface {
	SubmitWithdrawal(ctx context.Context, w model.Withdrawal) (DispatchResult, error)
}

// DepositCreditor credits deposits the network has confirmed. Credits are
// idempotent on txRef; the boolean reports whether this call credited.
type DepositCreditor interface {
	CreditConfirmedDeposit(ctx context.Context, userID string, amount int64, txRef string) (bool, error)
}

// Simulated always succeeds unless told to fail, and derives a stable
// transaction hash from the withdrawal.
type Simulated struct {
	mu        sync.Mutex
	failNext  int
	submitted []string
}

func NewSimulated() *Simulated { return &Simulated{} }

// FailNext makes the next n submissions fail with ErrRejected.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Submitted returns the IDs of withdrawals submitted so far, failures included.
func (s *Simulated) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func (s *Simulated) SubmitWithdrawal(ctx context.Context, w model.Withdrawal) (DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return DispatchResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitted = append(s.submitted, w.ID)
	if s.failNext > 0 {
		s.failNext--
		return DispatchResult{}, fmt.Errorf("withdrawal %s: %w", w.ID, ErrRejected)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", w.ID, w.UserID, w.Amount)))
	return DispatchResult{TxHash: "0x" + hex.EncodeToString(sum[:])}, nil
}
