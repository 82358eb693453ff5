// Package store defines the persistence boundary for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for immutable data), and in-memory (for tests and development).
//
// All mutations happen inside WithTx. Reads on Store never observe a
// half-applied transaction.
package store

import (
	"context"

	"github.com/atmx/updown-engine/internal/model"
)

// Store is the persistence interface.
type Store interface {
	// WithTx runs fn in a single atomic transaction. If fn returns an error
	// nothing it wrote is kept. fn must only use tx, never the Store itself.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the backing services answer.
	Ping(ctx context.Context) error

	// --- Rounds ---

	// GetRound returns the round with code or apperr.ErrNotFound.
	GetRound(ctx context.Context, code string) (*model.Round, error)

	// ListRounds returns rounds ordered by code. No statuses means all.
	ListRounds(ctx context.Context, statuses ...model.RoundStatus) ([]model.Round, error)

	// ListBets returns the bets of a round ordered by creation.
	ListBets(ctx context.Context, roundCode string) ([]model.Bet, error)

	// --- Ledger ---

	// Balance returns the materialised balance for key (0 if never touched).
	Balance(ctx context.Context, key model.BalanceKey) (int64, error)

	// AccountTotal sums the balance of account over every owner.
	AccountTotal(ctx context.Context, account model.Account) (int64, error)

	// ListEntries returns ledger entries matching filter, oldest first.
	ListEntries(ctx context.Context, filter EntryFilter) ([]model.LedgerEntry, error)

	// UnbalancedReferences returns every reference whose entries do not sum
	// to zero, with the offending sum.
	UnbalancedReferences(ctx context.Context) (map[string]int64, error)

	// BalanceDrift returns every materialised balance that differs from the
	// sum of its entries.
	BalanceDrift(ctx context.Context) ([]Drift, error)

	// --- Withdrawals ---

	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error)
}

// Tx is the write side of a transaction. Row-level exclusion is taken by the
// *ForUpdate/*ForShare and LockBalances calls and held until commit.
type Tx interface {
	// LockBalances takes exclusive locks on keys in a fixed global order and
	// returns their current values.
	LockBalances(ctx context.Context, keys []model.BalanceKey) (map[model.BalanceKey]int64, error)

	// AppendEntries inserts committed entries and applies them to the
	// materialised balances. Keys must already be locked.
	AppendEntries(ctx context.Context, entries []model.LedgerEntry) error

	// HasReference reports whether any entry carries referenceID.
	HasReference(ctx context.Context, referenceID string) (bool, error)

	InsertRound(ctx context.Context, r *model.Round) error
	GetRoundForUpdate(ctx context.Context, code string) (*model.Round, error)
	GetRoundForShare(ctx context.Context, code string) (*model.Round, error)
	UpdateRound(ctx context.Context, r *model.Round) error

	InsertBet(ctx context.Context, b *model.Bet) error
	ListBets(ctx context.Context, roundCode string) ([]model.Bet, error)
	UpdateBet(ctx context.Context, b *model.Bet) error

	// UserStake sums a user's stakes on one round.
	UserStake(ctx context.Context, roundCode, userID string) (int64, error)

	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, id string) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
}

// EntryFilter narrows ListEntries. Zero fields match everything.
type EntryFilter struct {
	UserID      string
	ReferenceID string
	Limit       int
}

// Drift is a materialised balance that disagrees with its entries.
type Drift struct {
	Key      model.BalanceKey `json:"key"`
	Balance  int64            `json:"balance"`
	EntrySum int64            `json:"entry_sum"`
}
