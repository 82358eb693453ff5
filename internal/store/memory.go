package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialised by a single mutex and rolled back by
// replaying an undo log.
type MemoryStore struct {
	mu          sync.RWMutex
	rounds      map[string]*model.Round
	bets        map[string][]*model.Bet
	entries     []model.LedgerEntry
	references  map[string]struct{}
	balances    map[model.BalanceKey]int64
	withdrawals map[string]*model.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:      make(map[string]*model.Round),
		bets:        make(map[string][]*model.Bet),
		references:  make(map[string]struct{}),
		balances:    make(map[model.BalanceKey]int64),
		withdrawals: make(map[string]*model.Withdrawal),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, code string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[code]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", code, apperr.ErrNotFound)
	}
	return cloneRound(r), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) ListRounds(_ context.Context, statuses ...model.RoundStatus) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		if matchStatus(r.Status, statuses) {
			result = append(result, *cloneRound(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *MemoryStore) ListBets(_ context.Context, roundCode string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyBets(roundCode), nil
}

func (s *MemoryStore) Balance(_ context.Context, key model.BalanceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key], nil
}

func (s *MemoryStore) AccountTotal(_ context.Context, account model.Account) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for k, v := range s.balances {
		if k.Account == account {
			total += v
		}
	}
	return total, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) UnbalancedReferences(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]int64)
	for _, e := range s.entries {
		sums[e.ReferenceID] += e.Amount
	}
	result := make(map[string]int64)
	for ref, sum := range sums {
		if sum != 0 {
			result[ref] = sum
		}
	}
	return result, nil
}

func (s *MemoryStore) BalanceDrift(_ context.Context) ([]Drift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[model.BalanceKey]int64)
	for _, e := range s.entries {
		sums[model.BalanceKey{Account: e.Account, UserID: e.UserID}] += e.Amount
	}
	var drift []Drift
	for k, bal := range s.balances {
		if sums[k] != bal {
			drift = append(drift, Drift{Key: k, Balance: bal, EntrySum: sums[k]})
		}
	}
	for k, sum := range sums {
		if _, ok := s.balances[k]; !ok {
			drift = append(drift, Drift{Key: k, EntrySum: sum})
		}
	}
	return drift, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Withdrawal
	for _, w := range s.withdrawals {
		if status == "" || w.Status == status {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) copyBets(roundCode string) []model.Bet {
	bets := s.bets[roundCode]
	result := make([]model.Bet, 0, len(bets))
	for _, b := range bets {
		result = append(result, cloneBet(b))
	}
	return result
}

// memTx runs with MemoryStore.mu held for writing.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) LockBalances(_ context.Context, keys []model.BalanceKey) (map[model.BalanceKey]int64, error) {
	result := make(map[model.BalanceKey]int64, len(keys))
	for _, k := range keys {
		result[k] = tx.s.balances[k]
	}
	return result, nil
}

func (tx *memTx) AppendEntries(_ context.Context, entries []model.LedgerEntry) error {
	s := tx.s
	prevLen := len(s.entries)
	var newRefs []string
	for _, e := range entries {
		s.entries = append(s.entries, e)
		s.balances[model.BalanceKey{Account: e.Account, UserID: e.UserID}] += e.Amount
		if _, ok := s.references[e.ReferenceID]; !ok {
			s.references[e.ReferenceID] = struct{}{}
			newRefs = append(newRefs, e.ReferenceID)
		}
	}
	tx.undo = append(tx.undo, func() {
		for _, e := range s.entries[prevLen:] {
			s.balances[model.BalanceKey{Account: e.Account, UserID: e.UserID}] -= e.Amount
		}
		s.entries = s.entries[:prevLen]
		for _, ref := range newRefs {
			delete(s.references, ref)
		}
	})
	return nil
}

func (tx *memTx) HasReference(_ context.Context, referenceID string) (bool, error) {
	_, ok := tx.s.references[referenceID]
	return ok, nil
}

func (tx *memTx) InsertRound(_ context.Context, r *model.Round) error {
	s := tx.s
	if _, ok := s.rounds[r.Code]; ok {
		return fmt.Errorf("round %s: %w", r.Code, apperr.ErrAlreadyExists)
	}
	s.rounds[r.Code] = cloneRound(r)
	tx.undo = append(tx.undo, func() { delete(s.rounds, r.Code) })
	return nil
}

func (tx *memTx) GetRoundForUpdate(_ context.Context, code string) (*model.Round, error) {
	r, ok := tx.s.rounds[code]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", code, apperr.ErrNotFound)
	}
	return cloneRound(r), nil
}

func (tx *memTx) GetRoundForShare(ctx context.Context, code string) (*model.Round, error) {
	return tx.GetRoundForUpdate(ctx, code)
}

func (tx *memTx) UpdateRound(_ context.Context, r *model.Round) error {
	s := tx.s
	prev, ok := s.rounds[r.Code]
	if !ok {
		return fmt.Errorf("round %s: %w", r.Code, apperr.ErrNotFound)
	}
	s.rounds[r.Code] = cloneRound(r)
	tx.undo = append(tx.undo, func() { s.rounds[r.Code] = prev })
	return nil
}

func (tx *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	s := tx.s
	if _, ok := s.rounds[b.RoundCode]; !ok {
		return fmt.Errorf("round %s: %w", b.RoundCode, apperr.ErrNotFound)
	}
	cp := cloneBet(b)
	prevLen := len(s.bets[b.RoundCode])
	s.bets[b.RoundCode] = append(s.bets[b.RoundCode], &cp)
	tx.undo = append(tx.undo, func() { s.bets[b.RoundCode] = s.bets[b.RoundCode][:prevLen] })
	return nil
}

func (tx *memTx) ListBets(_ context.Context, roundCode string) ([]model.Bet, error) {
	return tx.s.copyBets(roundCode), nil
}

func (tx *memTx) UpdateBet(_ context.Context, b *model.Bet) error {
	for _, existing := range tx.s.bets[b.RoundCode] {
		if existing.ID != b.ID {
			continue
		}
		prev := *existing
		*existing = cloneBet(b)
		tx.undo = append(tx.undo, func() { *existing = prev })
		return nil
	}
	return fmt.Errorf("bet %s: %w", b.ID, apperr.ErrNotFound)
}

func (tx *memTx) UserStake(_ context.Context, roundCode, userID string) (int64, error) {
	var total int64
	for _, b := range tx.s.bets[roundCode] {
		if b.UserID == userID {
			total += b.Stake
		}
	}
	return total, nil
}

func (tx *memTx) InsertWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s := tx.s
	if _, ok := s.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, apperr.ErrAlreadyExists)
	}
	cp := *w
	s.withdrawals[w.ID] = &cp
	tx.undo = append(tx.undo, func() { delete(s.withdrawals, w.ID) })
	return nil
}

func (tx *memTx) GetWithdrawalForUpdate(_ context.Context, id string) (*model.Withdrawal, error) {
	w, ok := tx.s.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (tx *memTx) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s := tx.s
	prev, ok := s.withdrawals[w.ID]
	if !ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, apperr.ErrNotFound)
	}
	cp := *w
	s.withdrawals[w.ID] = &cp
	tx.undo = append(tx.undo, func() { s.withdrawals[w.ID] = prev })
	return nil
}

func matchStatus(st model.RoundStatus, statuses []model.RoundStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if st == want {
			return true
		}
	}
	return false
}

func cloneRound(r *model.Round) *model.Round {
	cp := *r
	if r.Reveal != nil {
		rv := *r.Reveal
		cp.Reveal = &rv
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	if r.HaltedAt != nil {
		t := *r.HaltedAt
		cp.HaltedAt = &t
	}
	return &cp
}

func cloneBet(b *model.Bet) model.Bet {
	cp := *b
	if b.SettledAt != nil {
		t := *b.SettledAt
		cp.SettledAt = &t
	}
	return cp
}
