// Package model defines the core domain types shared across the engine.
// Money is always an int64 count of the smallest currency unit; prices
// from the oracle use shopspring/decimal and never touch balances.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a named balance bucket. User-scoped accounts carry a user ID,
// system accounts never do.
type Account string

const (
	AccountCash              Account = "cash"
	AccountLocked            Account = "locked"
	AccountPendingWithdrawal Account = "pending_withdrawal"
	AccountFees              Account = "fees"
	AccountHouse             Account = "house"
	AccountExternal          Account = "external"
)

// UserScoped reports whether entries on this account must name a user.
func (a Account) UserScoped() bool {
	switch a {
	case AccountCash, AccountLocked, AccountPendingWithdrawal:
		return true
	}
	return false
}

// Valid reports whether a is a known account.
func (a Account) Valid() bool {
	switch a {
	case AccountCash, AccountLocked, AccountPendingWithdrawal,
		AccountFees, AccountHouse, AccountExternal:
		return true
	}
	return false
}

// ReferenceType classifies the logical transaction an entry belongs to.
type ReferenceType string

const (
	RefDeposit    ReferenceType = "deposit"
	RefBet        ReferenceType = "bet"
	RefSettlement ReferenceType = "settlement"
	RefWithdrawal ReferenceType = "withdrawal"
	RefRefund     ReferenceType = "refund"
)

// EntryDraft is a ledger movement that has not been committed yet.
type EntryDraft struct {
	Account       Account       `json:"account"`
	UserID        string        `json:"user_id,omitempty"`
	Amount        int64         `json:"amount"`
	ReferenceType ReferenceType `json:"reference_type"`
	ReferenceID   string        `json:"reference_id"`
}

// Key returns the balance bucket this draft moves.
func (d EntryDraft) Key() BalanceKey {
	return BalanceKey{Account: d.Account, UserID: d.UserID}
}

// LedgerEntry is an immutable, committed balance movement.
// Entries are never updated or deleted; corrections are new entries.
type LedgerEntry struct {
	ID            string        `json:"id" db:"id"`
	Timestamp     time.Time     `json:"timestamp" db:"ts"`
	Account       Account       `json:"account" db:"account"`
	UserID        string        `json:"user_id,omitempty" db:"user_id"`
	Amount        int64         `json:"amount" db:"amount"`
	ReferenceType ReferenceType `json:"reference_type" db:"reference_type"`
	ReferenceID   string        `json:"reference_id" db:"reference_id"`
}

// BalanceKey identifies one materialised balance. UserID is empty for
// system accounts.
type BalanceKey struct {
	Account Account `json:"account"`
	UserID  string  `json:"user_id,omitempty"`
}

func (k BalanceKey) String() string {
	if k.UserID == "" {
		return string(k.Account)
	}
	return fmt.Sprintf("%s:%s", k.UserID, k.Account)
}

// Less orders keys so that row locks are always taken in the same order.
func (k BalanceKey) Less(o BalanceKey) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.Account < o.Account
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundOpen    RoundStatus = "OPEN"
	RoundLocked  RoundStatus = "LOCKED"
	RoundSettled RoundStatus = "SETTLED"
	RoundVoid    RoundStatus = "VOID"
)

// Terminal reports whether no further transition is allowed.
func (s RoundStatus) Terminal() bool {
	return s == RoundSettled || s == RoundVoid
}

// Side is the direction a bet backs.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Valid reports whether s is UP or DOWN.
func (s Side) Valid() bool { return s == SideUp || s == SideDown }

// Result is a round outcome. The zero value means unset.
type Result string

const (
	ResultUnset Result = ""
	ResultUp    Result = "UP"
	ResultDown  Result = "DOWN"
	ResultVoid  Result = "VOID"
)

// Reveal is published once a round is terminal so anyone can recompute the
// commit hash and the outcome.
type Reveal struct {
	Date           string              `json:"date"`
	ClosePrice     decimal.NullDecimal `json:"close_price"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	Result         Result              `json:"result"`
	Seed           string              `json:"seed"`
}

// Round is one daily market instance, keyed by its date code.
type Round struct {
	Code           string              `json:"code" db:"code"`
	Status         RoundStatus         `json:"status" db:"status"`
	OpenTs         time.Time           `json:"open_ts" db:"open_ts"`
	LockTs         time.Time           `json:"lock_ts" db:"lock_ts"`
	SettleTs       time.Time           `json:"settle_ts" db:"settle_ts"`
	FeeBps         int                 `json:"fee_bps" db:"fee_bps"`
	CommitHash     string              `json:"commit_hash" db:"commit_hash"`
	Seed           string              `json:"-" db:"seed"`
	Result         Result              `json:"result,omitempty" db:"result"`
	ReferencePrice decimal.NullDecimal `json:"reference_price" db:"reference_price"`
	ClosePrice     decimal.NullDecimal `json:"close_price" db:"close_price"`
	Reveal         *Reveal             `json:"reveal,omitempty" db:"reveal"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	SettledAt      *time.Time          `json:"settled_at,omitempty" db:"settled_at"`
	HaltReason     string              `json:"halt_reason,omitempty" db:"halt_reason"`
	HaltedAt       *time.Time          `json:"halted_at,omitempty" db:"halted_at"`
}

// Halted reports whether automatic settlement of r is stopped.
func (r *Round) Halted() bool { return r.HaltReason != "" }

// BetStatus tracks a bet from placement to settlement.
type BetStatus string

const (
	BetPending  BetStatus = "PENDING"
	BetWon      BetStatus = "WON"
	BetLost     BetStatus = "LOST"
	BetRefunded BetStatus = "REFUNDED"
)

// Bet is one stake on one side of one round.
type Bet struct {
	ID        string     `json:"id" db:"id"`
	RoundCode string     `json:"round_code" db:"round_code"`
	UserID    string     `json:"user_id" db:"user_id"`
	Side      Side       `json:"side" db:"side"`
	Stake     int64      `json:"stake" db:"stake"`
	Status    BetStatus  `json:"status" db:"status"`
	Payout    int64      `json:"payout" db:"payout"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// WithdrawalStatus is the dispatch state of a withdrawal.
//
// DISPATCHING is claimed before the gateway is called and is never
// resubmitted automatically: a withdrawal left there needs an operator to
// confirm or fail it.
type WithdrawalStatus string

const (
	WithdrawalQueued      WithdrawalStatus = "QUEUED"
	WithdrawalDispatching WithdrawalStatus = "DISPATCHING"
	WithdrawalSent        WithdrawalStatus = "SENT"
	WithdrawalConfirmed   WithdrawalStatus = "CONFIRMED"
	WithdrawalFailed      WithdrawalStatus = "FAILED"
)

// Withdrawal is a queued debit of a user's cash.
type Withdrawal struct {
	ID            string           `json:"id" db:"id"`
	UserID        string           `json:"user_id" db:"user_id"`
	Amount        int64            `json:"amount" db:"amount"`
	Status        WithdrawalStatus `json:"status" db:"status"`
	Approved      bool             `json:"approved" db:"approved"`
	TxHash        string           `json:"tx_hash,omitempty" db:"tx_hash"`
	FailureReason string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Balances is a user's view of their own accounts.
type Balances struct {
	UserID            string `json:"user_id"`
	Cash              int64  `json:"cash"`
	Locked            int64  `json:"locked"`
	PendingWithdrawal int64  `json:"pending_withdrawal"`
}

// TVL aggregates user-held value across the system.
type TVL struct {
	Locked             int64 `json:"locked"`
	Cash               int64 `json:"cash"`
	PendingWithdrawals int64 `json:"pending_withdrawals"`
	Total              int64 `json:"total"`
}

// Pools summarises the stakes on each side of a round.
type Pools struct {
	Up       int64 `json:"up"`
	Down     int64 `json:"down"`
	BetCount int   `json:"bet_count"`
}
