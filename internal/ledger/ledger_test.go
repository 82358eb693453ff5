package ledger_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.New(ms, zerolog.Nop()), ms
}

func deposit(user string, amount int64) []model.EntryDraft {
	ref := uuid.NewString()
	return []model.EntryDraft{
		{Account: model.AccountExternal, Amount: -amount, ReferenceType: model.RefDeposit, ReferenceID: ref},
		{Account: model.AccountCash, UserID: user, Amount: amount, ReferenceType: model.RefDeposit, ReferenceID: ref},
	}
}

func hold(user string, amount int64) []model.EntryDraft {
	ref := uuid.NewString()
	return []model.EntryDraft{
		{Account: model.AccountCash, UserID: user, Amount: -amount, ReferenceType: model.RefBet, ReferenceID: ref},
		{Account: model.AccountLocked, UserID: user, Amount: amount, ReferenceType: model.RefBet, ReferenceID: ref},
	}
}

func TestValidate(t *testing.T) {
	ok := deposit("alice", 10)
	require.NoError(t, ledger.Validate(ok))

	cases := map[string]struct {
		drafts []model.EntryDraft
		want   error
	}{
		"empty": {nil, apperr.ErrLedgerImbalance},
		"nonzero sum": {[]model.EntryDraft{
			{Account: model.AccountCash, UserID: "a", Amount: 5, ReferenceType: model.RefDeposit, ReferenceID: "r"},
			{Account: model.AccountExternal, Amount: -4, ReferenceType: model.RefDeposit, ReferenceID: "r"},
		}, apperr.ErrLedgerImbalance},
		"mixed references": {[]model.EntryDraft{
			{Account: model.AccountCash, UserID: "a", Amount: 5, ReferenceType: model.RefDeposit, ReferenceID: "r1"},
			{Account: model.AccountExternal, Amount: -5, ReferenceType: model.RefDeposit, ReferenceID: "r2"},
		}, apperr.ErrInvalidInput},
		"user on system account": {[]model.EntryDraft{
			{Account: model.AccountCash, UserID: "a", Amount: 5, ReferenceType: model.RefDeposit, ReferenceID: "r"},
			{Account: model.AccountHouse, UserID: "a", Amount: -5, ReferenceType: model.RefDeposit, ReferenceID: "r"},
		}, apperr.ErrInvalidInput},
		"missing user": {[]model.EntryDraft{
			{Account: model.AccountCash, Amount: 5, ReferenceType: model.RefDeposit, ReferenceID: "r"},
			{Account: model.AccountExternal, Amount: -5, ReferenceType: model.RefDeposit, ReferenceID: "r"},
		}, apperr.ErrInvalidInput},
		"zero amount": {[]model.EntryDraft{
			{Account: model.AccountCash, UserID: "a", Amount: 0, ReferenceType: model.RefDeposit, ReferenceID: "r"},
		}, apperr.ErrInvalidInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ledger.Validate(tc.drafts), tc.want)
		})
	}
}

func TestPost_UpdatesBalances(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	entries, err := l.Post(ctx, deposit("alice", 1000))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, entries[0].ReferenceID, entries[1].ReferenceID)

	_, err = l.Post(ctx, hold("alice", 300))
	require.NoError(t, err)

	b, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), b.Cash)
	assert.Equal(t, int64(300), b.Locked)

	ext, err := l.Balance(ctx, "", model.AccountExternal)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), ext)
}

func TestPost_ImbalanceWritesNothing(t *testing.T) {
	l, ms := newLedger(t)
	ctx := context.Background()

	bad := deposit("alice", 100)
	bad[1].Amount = 101
	_, err := l.Post(ctx, bad)
	require.ErrorIs(t, err, apperr.ErrLedgerImbalance)

	entries, err := ms.ListEntries(ctx, store.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPost_InsufficientBalance(t *testing.T) {
	l, ms := newLedger(t)
	ctx := context.Background()

	_, err := l.Post(ctx, deposit("alice", 100))
	require.NoError(t, err)

	_, err = l.Post(ctx, hold("alice", 101))
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	cash, err := l.Balance(ctx, "alice", model.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cash)

	entries, err := ms.ListEntries(ctx, store.EntryFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPost_RejectsOverflow(t *testing.T) {
	l, ms := newLedger(t)
	ctx := context.Background()

	_, err := l.Post(ctx, deposit("alice", math.MaxInt64))
	require.NoError(t, err)

	// external sits at -MaxInt64, the floor of its range.
	_, err = l.Post(ctx, deposit("bob", math.MaxInt64))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = l.Post(ctx, deposit("bob", 1))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	ref := uuid.NewString()
	_, err = l.Post(ctx, []model.EntryDraft{
		{Account: model.AccountCash, UserID: "carol", Amount: math.MaxInt64, ReferenceType: model.RefDeposit, ReferenceID: ref},
		{Account: model.AccountCash, UserID: "carol", Amount: 2, ReferenceType: model.RefDeposit, ReferenceID: ref},
		{Account: model.AccountExternal, Amount: -math.MaxInt64, ReferenceType: model.RefDeposit, ReferenceID: ref},
		{Account: model.AccountExternal, Amount: -2, ReferenceType: model.RefDeposit, ReferenceID: ref},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	bob, err := l.Balance(ctx, "bob", model.AccountCash)
	require.NoError(t, err)
	assert.Zero(t, bob)

	entries, err := ms.ListEntries(ctx, store.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	tvl, err := l.TVL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), tvl.Cash)
	assert.Equal(t, int64(math.MaxInt64), tvl.Total)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestPostTx_RollsBackWithCallerError(t *testing.T) {
	l, ms := newLedger(t)
	ctx := context.Background()

	err := ms.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.PostTx(ctx, tx, deposit("alice", 50)); err != nil {
			return err
		}
		return apperr.ErrInvalidRoundState
	})
	require.ErrorIs(t, err, apperr.ErrInvalidRoundState)

	cash, err := l.Balance(ctx, "alice", model.AccountCash)
	require.NoError(t, err)
	assert.Zero(t, cash)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestPostOnceTx_Idempotent(t *testing.T) {
	l, ms := newLedger(t)
	ctx := context.Background()
	drafts := deposit("alice", 75)

	for i, want := range []bool{true, false} {
		var posted bool
		err := ms.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			posted, err = l.PostOnceTx(ctx, tx, drafts)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, want, posted, "attempt %d", i)
	}

	cash, err := l.Balance(ctx, "alice", model.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, int64(75), cash)
}

func TestPost_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Post(ctx, deposit("alice", 1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Post(ctx, hold("alice", 100)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	b, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Cash)
	assert.Equal(t, int64(1000), b.Locked)
}

func TestReconcileAndTVL(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Post(ctx, deposit("alice", 500))
	require.NoError(t, err)
	_, err = l.Post(ctx, deposit("bob", 300))
	require.NoError(t, err)
	_, err = l.Post(ctx, hold("bob", 200))
	require.NoError(t, err)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, int64(-800), report.SystemTotals[model.AccountExternal])

	tvl, err := l.TVL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), tvl.Cash)
	assert.Equal(t, int64(200), tvl.Locked)
	assert.Equal(t, int64(800), tvl.Total)
}
