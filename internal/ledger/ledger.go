// Package ledger is the single writer of balance state. Every movement is
// a batch of signed entries that sums to zero and shares one reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// Ledger posts balanced batches through a Store.
type Ledger struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a ledger over st.
func New(st store.Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: st, log: log, now: time.Now}
}

// Validate checks a batch before anything is written: non-empty, one
// reference, known accounts with matching ownership, non-zero amounts and a
// zero sum. A failed sum check wraps apperr.ErrLedgerImbalance; a sum that
// leaves the int64 range wraps apperr.ErrInvalidInput.
func Validate(drafts []model.EntryDraft) error {
	if len(drafts) == 0 {
		return fmt.Errorf("empty batch: %w", apperr.ErrLedgerImbalance)
	}
	ref := drafts[0].ReferenceID
	if ref == "" {
		return fmt.Errorf("missing reference id: %w", apperr.ErrInvalidInput)
	}
	var sum int64
	for i, d := range drafts {
		if d.ReferenceID != ref {
			return fmt.Errorf("entry %d: mixed reference ids %q and %q: %w",
				i, ref, d.ReferenceID, apperr.ErrInvalidInput)
		}
		if !d.Account.Valid() {
			return fmt.Errorf("entry %d: unknown account %q: %w", i, d.Account, apperr.ErrInvalidInput)
		}
		if d.Account.UserScoped() != (d.UserID != "") {
			return fmt.Errorf("entry %d: account %s user ownership mismatch: %w",
				i, d.Account, apperr.ErrInvalidInput)
		}
		if d.Amount == 0 {
			return fmt.Errorf("entry %d: zero amount: %w", i, apperr.ErrInvalidInput)
		}
		next, ok := add(sum, d.Amount)
		if !ok {
			return fmt.Errorf("entry %d: amount %d overflows batch sum: %w", i, d.Amount, apperr.ErrInvalidInput)
		}
		sum = next
	}
	if sum != 0 {
		return fmt.Errorf("reference %s sums to %d: %w", ref, sum, apperr.ErrLedgerImbalance)
	}
	return nil
}

// Post commits drafts atomically in its own transaction.
func (l *Ledger) Post(ctx context.Context, drafts []model.EntryDraft) ([]model.LedgerEntry, error) {
	var committed []model.LedgerEntry
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		committed, err = l.PostTx(ctx, tx, drafts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// PostTx commits drafts inside a caller's transaction. It locks every
// touched balance, rejects the batch if any user-scoped balance would go
// negative or any balance would leave the int64 range, and applies the
// entries. Nothing is written on error.
func (l *Ledger) PostTx(ctx context.Context, tx store.Tx, drafts []model.EntryDraft) ([]model.LedgerEntry, error) {
	if err := Validate(drafts); err != nil {
		l.reject(err, drafts)
		return nil, err
	}

	keys := make([]model.BalanceKey, len(drafts))
	deltas := make(map[model.BalanceKey]int64, len(drafts))
	for i, d := range drafts {
		keys[i] = d.Key()
		next, ok := add(deltas[d.Key()], d.Amount)
		if !ok {
			err := fmt.Errorf("%s: delta overflows: %w", d.Key(), apperr.ErrInvalidInput)
			l.reject(err, drafts)
			return nil, err
		}
		deltas[d.Key()] = next
	}

	balances, err := tx.LockBalances(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("lock balances: %w", err)
	}
	for k, delta := range deltas {
		after, ok := add(balances[k], delta)
		if !ok {
			err := fmt.Errorf("%s has %d, %+d overflows: %w", k, balances[k], delta, apperr.ErrInvalidInput)
			l.reject(err, drafts)
			return nil, err
		}
		if k.Account.UserScoped() && after < 0 {
			err := fmt.Errorf("%s has %d, needs %d: %w", k, balances[k], -delta, apperr.ErrInsufficientBalance)
			l.reject(err, drafts)
			return nil, err
		}
	}

	ts := l.now().UTC()
	entries := make([]model.LedgerEntry, len(drafts))
	for i, d := range drafts {
		entries[i] = model.LedgerEntry{
			ID:            uuid.NewString(),
			Timestamp:     ts,
			Account:       d.Account,
			UserID:        d.UserID,
			Amount:        d.Amount,
			ReferenceType: d.ReferenceType,
			ReferenceID:   d.ReferenceID,
		}
	}
	if err := tx.AppendEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("append entries: %w", err)
	}

	metrics.LedgerPosts.WithLabelValues(string(drafts[0].ReferenceType)).Inc()
	return entries, nil
}

// PostOnceTx posts drafts unless their reference already exists. It
// reports whether the batch was written.
func (l *Ledger) PostOnceTx(ctx context.Context, tx store.Tx, drafts []model.EntryDraft) (bool, error) {
	if len(drafts) == 0 {
		return false, Validate(drafts)
	}
	exists, err := tx.HasReference(ctx, drafts[0].ReferenceID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := l.PostTx(ctx, tx, drafts); err != nil {
		return false, err
	}
	return true, nil
}

// Balance returns the balance of one user account.
func (l *Ledger) Balance(ctx context.Context, userID string, account model.Account) (int64, error) {
	if account.UserScoped() && userID == "" {
		return 0, fmt.Errorf("account %s needs a user: %w", account, apperr.ErrInvalidInput)
	}
	if !account.UserScoped() {
		userID = ""
	}
	return l.store.Balance(ctx, model.BalanceKey{Account: account, UserID: userID})
}

// Balances returns every user-scoped balance for userID.
func (l *Ledger) Balances(ctx context.Context, userID string) (*model.Balances, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required: %w", apperr.ErrInvalidInput)
	}
	b := &model.Balances{UserID: userID}
	for _, f := range []struct {
		account model.Account
		dst     *int64
	}{
		{model.AccountCash, &b.Cash},
		{model.AccountLocked, &b.Locked},
		{model.AccountPendingWithdrawal, &b.PendingWithdrawal},
	} {
		v, err := l.Balance(ctx, userID, f.account)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return b, nil
}

// Entries lists committed entries.
func (l *Ledger) Entries(ctx context.Context, filter store.EntryFilter) ([]model.LedgerEntry, error) {
	return l.store.ListEntries(ctx, filter)
}

// add reports a+b and whether it stayed in range. math.MinInt64 counts as
// out of range so every balance and total can be negated safely.
func add(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) || s == math.MinInt64 {
		return 0, false
	}
	return s, true
}

func (l *Ledger) reject(err error, drafts []model.EntryDraft) {
	reason := "invalid"
	switch {
	case errors.Is(err, apperr.ErrLedgerImbalance):
		reason = "imbalance"
		metrics.LedgerImbalances.Inc()
		ev := l.log.Error().Bool("critical", true).Err(err).Int("entries", len(drafts))
		if len(drafts) > 0 {
			ev = ev.Str("reference", drafts[0].ReferenceID)
		}
		ev.Msg("ledger batch rejected")
	case errors.Is(err, apperr.ErrInsufficientBalance):
		reason = "insufficient_balance"
	}
	metrics.LedgerRejections.WithLabelValues(reason).Inc()
}

// referenceNamespace scopes deterministic reference IDs.
var referenceNamespace = uuid.MustParse("6f1c2a4e-8d0b-4c55-9a57-3e2f1b0c7d91")

// ReferenceID derives a stable reference_id from a natural key, so a
// replayed operation maps to the reference it already posted.
func ReferenceID(kind model.ReferenceType, key string) string {
	return uuid.NewSHA1(referenceNamespace, []byte(string(kind)+":"+key)).String()
}
