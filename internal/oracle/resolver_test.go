package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	refDay   = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	closeDay = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
)

func fastResolver(o Oracle) *Resolver {
	return NewResolver(o, ResolverConfig{
		AttemptTimeout:  50 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, zerolog.Nop())
}

func request(deadline time.Time) Request {
	return Request{
		RoundCode:     "20250103",
		CloseDate:     closeDay,
		ReferenceDate: refDay,
		Deadline:      deadline,
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, model.ResultUp, Decide(d("101"), d("100")))
	assert.Equal(t, model.ResultDown, Decide(d("99.99"), d("100")))
	assert.Equal(t, model.ResultDown, Decide(d("100.00"), d("100")))
}

func TestResolve_UsesStoredReference(t *testing.T) {
	f := NewFixture()
	f.Set(closeDay, d("101"))

	req := request(time.Now().Add(time.Second))
	req.Reference = decimal.NewNullDecimal(d("100"))

	out, err := fastResolver(f).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.ResultUp, out.Result)
	assert.False(t, out.Forced)
	assert.Zero(t, f.Calls(refDay))
	assert.True(t, out.Close.Decimal.Equal(d("101")))
}

func TestResolve_RetriesUntilAvailable(t *testing.T) {
	f := NewFixture()
	f.Set(refDay, d("100"))
	f.Set(closeDay, d("100"))
	f.FailNext(closeDay, 3)

	out, err := fastResolver(f).Resolve(context.Background(), request(time.Now().Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, model.ResultDown, out.Result, "tie resolves DOWN")
	assert.Equal(t, 4, f.Calls(closeDay))
	assert.Equal(t, 1, f.Calls(refDay), "reference is fetched once and kept across attempts")
	assert.Equal(t, 4, out.Attempts)
}

func TestResolve_ForcesVoidAtDeadline(t *testing.T) {
	f := NewFixture()
	f.Set(refDay, d("100"))

	start := time.Now()
	out, err := fastResolver(f).Resolve(context.Background(), request(start.Add(60*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, model.ResultVoid, out.Result)
	assert.True(t, out.Forced)
	assert.Greater(t, out.Attempts, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolve_MissingReferenceNeverTies(t *testing.T) {
	f := NewFixture()
	f.Set(closeDay, d("100"))

	out, err := fastResolver(f).Resolve(context.Background(), request(time.Now().Add(30*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, model.ResultVoid, out.Result)
	assert.True(t, out.Forced)
}

func TestResolve_PastDeadlineMakesOneAttempt(t *testing.T) {
	f := NewFixture()
	f.Set(refDay, d("100"))
	f.Set(closeDay, d("105"))

	out, err := fastResolver(f).Resolve(context.Background(), request(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, model.ResultUp, out.Result)
	assert.Equal(t, 1, out.Attempts)

	f.FailNext(closeDay, 1)
	out, err = fastResolver(f).Resolve(context.Background(), request(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, model.ResultVoid, out.Result)
	assert.Equal(t, 1, out.Attempts)
}

func TestResolve_CancelledContextIsNotVoid(t *testing.T) {
	f := NewFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastResolver(f).Resolve(ctx, request(time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDemoFixture(t *testing.T) {
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	f := NewDemoFixture(start, 30)

	p, err := f.Close(context.Background(), start)
	require.NoError(t, err)
	assert.True(t, p.Equal(d("98.5")))

	_, err = f.Close(context.Background(), start.AddDate(0, 0, 30))
	assert.ErrorIs(t, err, ErrUnavailable)
}
