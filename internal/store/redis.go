package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only terminal rounds and their bets are cached: they can no longer
// change, so a cached copy is never stale. Everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.primary.WithTx(ctx, fn)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRound(ctx context.Context, code string) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, roundKey(code)).Bytes()
	if err == nil {
		var c cachedRound
		if json.Unmarshal(data, &c) == nil {
			r := c.Round
			r.Seed = c.Seed
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, code)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		s.cacheRound(ctx, r)
	}
	return r, nil
}

func (s *CachedStore) ListBets(ctx context.Context, roundCode string) ([]model.Bet, error) {
	data, err := s.rdb.Get(ctx, betsKey(roundCode)).Bytes()
	if err == nil {
		var bets []model.Bet
		if json.Unmarshal(data, &bets) == nil {
			return bets, nil
		}
	}

	// The round is read first: bets are final only if it was already
	// terminal before they were read.
	r, roundErr := s.GetRound(ctx, roundCode)
	bets, err := s.primary.ListBets(ctx, roundCode)
	if err != nil {
		return nil, err
	}
	if roundErr == nil && r.Status.Terminal() {
		if data, err := json.Marshal(bets); err == nil {
			s.rdb.Set(ctx, betsKey(roundCode), data, s.ttl)
		}
	}
	return bets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRounds(ctx context.Context, statuses ...model.RoundStatus) ([]model.Round, error) {
	return s.primary.ListRounds(ctx, statuses...)
}

func (s *CachedStore) Balance(ctx context.Context, key model.BalanceKey) (int64, error) {
	return s.primary.Balance(ctx, key)
}

func (s *CachedStore) AccountTotal(ctx context.Context, account model.Account) (int64, error) {
	return s.primary.AccountTotal(ctx, account)
}

func (s *CachedStore) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	return s.primary.ListEntries(ctx, f)
}

func (s *CachedStore) UnbalancedReferences(ctx context.Context) (map[string]int64, error) {
	return s.primary.UnbalancedReferences(ctx)
}

func (s *CachedStore) BalanceDrift(ctx context.Context) ([]Drift, error) {
	return s.primary.BalanceDrift(ctx)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, status)
}

// --- Cache helpers ---

// cachedRound keeps the seed, which model.Round hides from JSON.
type cachedRound struct {
	model.Round
	Seed string `json:"seed"`
}

func (s *CachedStore) cacheRound(ctx context.Context, r *model.Round) {
	if data, err := json.Marshal(cachedRound{Round: *r, Seed: r.Seed}); err == nil {
		s.rdb.Set(ctx, roundKey(r.Code), data, s.ttl)
	}
}

func roundKey(code string) string { return fmt.Sprintf("updown:round:%s", code) }
func betsKey(code string) string  { return fmt.Sprintf("updown:bets:%s", code) }
