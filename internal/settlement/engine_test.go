package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/parimutuel"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
)

const code = "20250815"

var est = time.FixedZone("EST", -5*3600)

type env struct {
	engine *settlement.Engine
	ledger *ledger.Ledger
	store  *store.MemoryStore
	oracle *oracle.Fixture
	rec    *events.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, zerolog.Nop())
	fx := oracle.NewFixture()
	rec := events.NewRecorder(16)
	resolver := oracle.NewResolver(fx, oracle.ResolverConfig{
		AttemptTimeout:  100 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, zerolog.Nop())

	e := settlement.NewEngine(settlement.EngineParams{
		Store:     ms,
		Ledger:    l,
		Locks:     lock.NewKeyed(),
		Schedule:  round.DefaultSchedule(est),
		Resolver:  resolver,
		Publisher: rec,
		Logger:    zerolog.Nop(),
	})
	return &env{engine: e, ledger: l, store: ms, oracle: fx, rec: rec}
}

func (e *env) seedRound(t *testing.T, status model.RoundStatus) {
	t.Helper()
	openTs := time.Date(2025, 8, 15, 9, 30, 0, 0, est).UTC()
	seed := round.NewSeed()
	r := &model.Round{
		Code:       code,
		Status:     status,
		OpenTs:     openTs,
		LockTs:     time.Date(2025, 8, 15, 15, 59, 59, 0, est).UTC(),
		SettleTs:   time.Date(2025, 8, 15, 16, 5, 0, 0, est).UTC(),
		FeeBps:     100,
		Seed:       seed,
		CommitHash: round.CommitHash(code, openTs, 100, seed),
	}
	require.NoError(t, e.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, r)
	}))
}

// bet funds user and places a stake directly, bypassing the betting service.
func (e *env) bet(t *testing.T, user string, side model.Side, stake int64) {
	t.Helper()
	ctx := context.Background()
	dep := uuid.NewString()
	_, err := e.ledger.Post(ctx, []model.EntryDraft{
		{Account: model.AccountExternal, Amount: -stake, ReferenceType: model.RefDeposit, ReferenceID: dep},
		{Account: model.AccountCash, UserID: user, Amount: stake, ReferenceType: model.RefDeposit, ReferenceID: dep},
	})
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := e.ledger.PostTx(ctx, tx, []model.EntryDraft{
			{Account: model.AccountCash, UserID: user, Amount: -stake, ReferenceType: model.RefBet, ReferenceID: id},
			{Account: model.AccountLocked, UserID: user, Amount: stake, ReferenceType: model.RefBet, ReferenceID: id},
		}); err != nil {
			return err
		}
		return tx.InsertBet(ctx, &model.Bet{
			ID: id, RoundCode: code, UserID: user, Side: side, Stake: stake,
			Status: model.BetPending, CreatedAt: time.Now().UTC(),
		})
	}))
}

func (e *env) balances(t *testing.T, user string) *model.Balances {
	t.Helper()
	b, err := e.ledger.Balances(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (e *env) systemBalance(t *testing.T, account model.Account) int64 {
	t.Helper()
	v, err := e.store.Balance(context.Background(), model.BalanceKey{Account: account})
	require.NoError(t, err)
	return v
}

func (e *env) assertBalanced(t *testing.T) {
	t.Helper()
	report, err := e.ledger.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Balanced, "ledger must reconcile: %+v", report)
}

func TestSettle_PayoutExample(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 1_000_000)
	e.bet(t, "bob", model.SideUp, 2_000_000)
	e.bet(t, "carol", model.SideDown, 1_000_000)

	report, err := e.engine.Settle(context.Background(), code, settlement.ModeUp)
	require.NoError(t, err)

	assert.Equal(t, model.RoundSettled, report.Round.Status)
	assert.Equal(t, model.ResultUp, report.Round.Result)
	assert.Equal(t, int64(10_000), report.Fee)
	assert.Equal(t, int64(0), report.Dust)
	assert.Equal(t, int64(4_000_000), report.Paid+report.Fee+report.Dust)

	assert.Equal(t, int64(1_330_000), e.balances(t, "alice").Cash)
	assert.Equal(t, int64(2_660_000), e.balances(t, "bob").Cash)
	assert.Equal(t, int64(0), e.balances(t, "carol").Cash)
	for _, u := range []string{"alice", "bob", "carol"} {
		assert.Zero(t, e.balances(t, u).Locked, u)
	}
	assert.Equal(t, int64(10_000), e.systemBalance(t, model.AccountFees))

	entries, err := e.ledger.Entries(context.Background(), store.EntryFilter{ReferenceID: settlement.ReferenceID(code)})
	require.NoError(t, err)
	var sum int64
	for _, en := range entries {
		sum += en.Amount
		assert.Equal(t, model.RefSettlement, en.ReferenceType)
	}
	assert.Zero(t, sum)

	bets, err := e.store.ListBets(context.Background(), code)
	require.NoError(t, err)
	for _, b := range bets {
		require.NotNil(t, b.SettledAt)
		if b.Side == model.SideUp {
			assert.Equal(t, model.BetWon, b.Status)
		} else {
			assert.Equal(t, model.BetLost, b.Status)
			assert.Zero(t, b.Payout)
		}
	}

	r, err := e.store.GetRound(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, r.Reveal)
	assert.Equal(t, r.Seed, r.Reveal.Seed)
	assert.True(t, round.VerifyCommit(r))
	e.assertBalanced(t)

	got := e.rec.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, events.RoundSettled, got[0].Type)
}

func TestSettle_AtMostOnce(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 500)
	e.bet(t, "bob", model.SideDown, 700)

	_, err := e.engine.Settle(context.Background(), code, settlement.ModeDown)
	require.NoError(t, err)
	alice, bob := e.balances(t, "alice"), e.balances(t, "bob")

	for _, mode := range []settlement.Mode{settlement.ModeDown, settlement.ModeUp, settlement.ModeVoid, settlement.ModeAuto} {
		_, err = e.engine.Settle(context.Background(), code, mode)
		assert.ErrorIs(t, err, apperr.ErrAlreadySettled, mode)
	}
	assert.Equal(t, alice, e.balances(t, "alice"))
	assert.Equal(t, bob, e.balances(t, "bob"))
}

func TestSettle_NoWinnersVoids(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 400)
	e.bet(t, "bob", model.SideUp, 600)

	report, err := e.engine.Settle(context.Background(), code, settlement.ModeDown)
	require.NoError(t, err)
	assert.True(t, report.Ambiguous)
	assert.Equal(t, model.ResultDown, report.Requested)
	assert.Equal(t, model.RoundVoid, report.Round.Status)
	assert.Equal(t, model.ResultVoid, report.Round.Result)
	assert.Zero(t, report.Fee)

	assert.Equal(t, int64(400), e.balances(t, "alice").Cash)
	assert.Equal(t, int64(600), e.balances(t, "bob").Cash)
	assert.Zero(t, e.systemBalance(t, model.AccountFees))
	e.assertBalanced(t)
}

func TestSettle_VoidRefundsEveryStake(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 123)
	e.bet(t, "bob", model.SideDown, 456)

	report, err := e.engine.Settle(context.Background(), code, settlement.ModeVoid)
	require.NoError(t, err)
	assert.Equal(t, model.RoundVoid, report.Round.Status)
	assert.False(t, report.Ambiguous)

	assert.Equal(t, &model.Balances{UserID: "alice", Cash: 123}, e.balances(t, "alice"))
	assert.Equal(t, &model.Balances{UserID: "bob", Cash: 456}, e.balances(t, "bob"))

	bets, err := e.store.ListBets(context.Background(), code)
	require.NoError(t, err)
	for _, b := range bets {
		assert.Equal(t, model.BetRefunded, b.Status)
		assert.Equal(t, b.Stake, b.Payout)
	}
	entries, err := e.ledger.Entries(context.Background(), store.EntryFilter{ReferenceID: settlement.ReferenceID(code)})
	require.NoError(t, err)
	for _, en := range entries {
		assert.Equal(t, model.RefRefund, en.ReferenceType)
	}
}

func TestSettle_EmptyRound(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)

	report, err := e.engine.Settle(context.Background(), code, settlement.ModeUp)
	require.NoError(t, err)
	assert.Equal(t, model.RoundVoid, report.Round.Status)
	assert.True(t, report.Ambiguous)
}

func TestSettle_AutoUsesOracle(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.oracle.Set(time.Date(2025, 8, 14, 0, 0, 0, 0, est), decimal.RequireFromString("100.00"))
	e.oracle.Set(time.Date(2025, 8, 15, 0, 0, 0, 0, est), decimal.RequireFromString("100.00"))
	e.bet(t, "alice", model.SideUp, 100)
	e.bet(t, "bob", model.SideDown, 100)

	report, err := e.engine.Settle(context.Background(), code, settlement.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.ResultDown, report.Round.Result, "equal prices resolve DOWN")
	assert.False(t, report.Forced)
	assert.Equal(t, "100", report.Round.ClosePrice.Decimal.String())
	assert.Equal(t, "100", report.Round.ReferencePrice.Decimal.String())
	assert.Equal(t, int64(199), e.balances(t, "bob").Cash)
	assert.Equal(t, int64(1), e.systemBalance(t, model.AccountFees))
}

func TestSettle_OracleGraceExpiredForcesVoid(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 100)
	e.bet(t, "bob", model.SideDown, 300)

	// The round locked in the past, so its grace window has long expired.
	report, err := e.engine.Settle(context.Background(), code, settlement.ModeAuto)
	require.NoError(t, err)
	assert.True(t, report.Forced)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, model.RoundVoid, report.Round.Status)
	assert.Equal(t, int64(100), e.balances(t, "alice").Cash)
	assert.Equal(t, int64(300), e.balances(t, "bob").Cash)
}

func TestSettle_CancelledContextSettlesNothing(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.engine.Settle(ctx, code, settlement.ModeAuto)
	require.Error(t, err)

	r, err := e.store.GetRound(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, model.RoundLocked, r.Status)
	assert.Equal(t, int64(100), e.balances(t, "alice").Locked)
}

func TestSettle_RequiresLocked(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundOpen)

	_, err := e.engine.Settle(context.Background(), code, settlement.ModeUp)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = e.engine.Settle(context.Background(), "20250101", settlement.ModeUp)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.engine.Settle(context.Background(), code, settlement.Mode("SIDEWAYS"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSettle_ConcurrentCallersSettleOnce(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 1000)
	e.bet(t, "bob", model.SideDown, 1000)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := settlement.ModeUp
			if i%2 == 1 {
				mode = settlement.ModeVoid
			}
			_, err := e.engine.Settle(context.Background(), code, mode)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.KindOf(err) == apperr.KindAlreadySettled:
				already++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, already)
	total := e.balances(t, "alice").Cash + e.balances(t, "bob").Cash + e.systemBalance(t, model.AccountFees)
	assert.Equal(t, int64(2000), total)
	e.assertBalanced(t)
}

func TestSettle_ImbalanceHaltsAutomaticSettlement(t *testing.T) {
	e := newEnv(t)
	e.seedRound(t, model.RoundLocked)
	e.bet(t, "alice", model.SideUp, 1000)
	e.bet(t, "bob", model.SideDown, 1000)

	// Drop the fee entry so the batch no longer sums to zero.
	settlement.SetEntryBuilder(e.engine, func(p *parimutuel.Plan, ref string) []model.EntryDraft {
		var out []model.EntryDraft
		for _, d := range settlement.Entries(p, ref) {
			if d.Account != model.AccountFees {
				out = append(out, d)
			}
		}
		return out
	})

	_, err := e.engine.Settle(context.Background(), code, settlement.ModeUp)
	require.ErrorIs(t, err, apperr.ErrLedgerImbalance)
	assert.True(t, apperr.IsFatal(err))

	r, err := e.store.GetRound(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, model.RoundLocked, r.Status)
	bets, err := e.store.ListBets(context.Background(), code)
	require.NoError(t, err)
	for _, b := range bets {
		assert.Equal(t, model.BetPending, b.Status)
	}
	assert.Equal(t, int64(1000), e.balances(t, "alice").Locked)
	assert.True(t, r.Halted())
	assert.Contains(t, r.HaltReason, "sums to")
	require.NotNil(t, r.HaltedAt)

	_, err = e.engine.Settle(context.Background(), code, settlement.ModeAuto)
	assert.ErrorIs(t, err, apperr.ErrSettlementHalted)

	// A fresh engine over the same store, as after a restart, still sees it.
	restarted := settlement.NewEngine(settlement.EngineParams{
		Store:    e.store,
		Ledger:   e.ledger,
		Schedule: round.DefaultSchedule(est),
		Logger:   zerolog.Nop(),
	})
	halted, err := restarted.Halts().IsHalted(context.Background(), code)
	require.NoError(t, err)
	assert.True(t, halted)
	halts, err := restarted.Halts().List(context.Background())
	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, code, halts[0].RoundCode)
	_, err = restarted.Settle(context.Background(), code, settlement.ModeAuto)
	assert.ErrorIs(t, err, apperr.ErrSettlementHalted)

	// Operator fixes the fault and settles by hand.
	settlement.SetEntryBuilder(e.engine, settlement.Entries)
	report, err := e.engine.Settle(context.Background(), code, settlement.ModeUp)
	require.NoError(t, err)
	assert.True(t, report.Cleared)
	assert.False(t, report.Round.Halted())
	assert.Nil(t, report.Round.HaltedAt)

	halted, err = restarted.Halts().IsHalted(context.Background(), code)
	require.NoError(t, err)
	assert.False(t, halted)
	halts, err = e.engine.Halts().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, halts)
	e.assertBalanced(t)
}

func TestHalts_Halt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 8, 15, 17, 0, 0, 0, est)

	err := e.engine.Halts().Halt(ctx, code, "operator hold", at)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	e.seedRound(t, model.RoundLocked)
	assert.ErrorIs(t, e.engine.Halts().Halt(ctx, code, "", at), apperr.ErrInvalidInput)
	require.NoError(t, e.engine.Halts().Halt(ctx, code, "operator hold", at))

	halts, err := e.engine.Halts().List(ctx)
	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "operator hold", halts[0].Reason)
	assert.True(t, halts[0].At.Equal(at))

	_, err = e.engine.Settle(ctx, code, settlement.ModeVoid)
	require.NoError(t, err)
	err = e.engine.Halts().Halt(ctx, code, "too late", at)
	assert.ErrorIs(t, err, apperr.ErrAlreadySettled)
}

func TestEntries_SumToZero(t *testing.T) {
	stakes := []parimutuel.Stake{
		{ID: "1", UserID: "a", Side: model.SideUp, Amount: 7},
		{ID: "2", UserID: "b", Side: model.SideUp, Amount: 11},
		{ID: "3", UserID: "c", Side: model.SideDown, Amount: 13},
	}
	for _, result := range []model.Result{model.ResultUp, model.ResultDown, model.ResultVoid} {
		plan, err := parimutuel.Compute(stakes, result, 333)
		require.NoError(t, err)
		drafts := settlement.Entries(plan, "ref")
		require.NoError(t, ledger.Validate(drafts), result)
	}
}

func TestParseMode(t *testing.T) {
	m, err := settlement.ParseMode(" auto ")
	require.NoError(t, err)
	assert.Equal(t, settlement.ModeAuto, m)
	_, err = settlement.ParseMode("draw")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
