// Package oracle resolves round outcomes from an external closing-price
// source that may be slow or unavailable.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/apperr"
)

// ErrUnavailable is returned when no price can be obtained right now.
var ErrUnavailable = apperr.ErrOracleUnavailable

// Oracle returns the official closing price for a trading date. Any error
// is treated as transient.
type Oracle interface {
	Close(ctx context.Context, date time.Time) (decimal.Decimal, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, date time.Time) (decimal.Decimal, error)

func (f Func) Close(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	return f(ctx, date)
}

// DateKey is the calendar date used to key prices.
func DateKey(date time.Time) string { return date.Format("2006-01-02") }

// Fixture is an in-memory oracle with scriptable failures. Used for
// development, operator dry runs and tests.
type Fixture struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	failures map[string]int
	calls    map[string]int
}

// NewFixture creates an empty fixture; every date is unavailable until Set.
func NewFixture() *Fixture {
	return &Fixture{
		prices:   make(map[string]decimal.Decimal),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// Set records the closing price for date.
func (f *Fixture) Set(date time.Time, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[DateKey(date)] = price
}

// FailNext makes the next n lookups for date fail.
func (f *Fixture) FailNext(date time.Time, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[DateKey(date)] = n
}

// Calls returns how many lookups were made for date.
func (f *Fixture) Calls(date time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[DateKey(date)]
}

func (f *Fixture) Close(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", DateKey(date), ErrUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := DateKey(date)
	f.calls[key]++
	if f.failures[key] > 0 {
		f.failures[key]--
		return decimal.Zero, fmt.Errorf("%s: scripted failure: %w", key, ErrUnavailable)
	}
	p, ok := f.prices[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: no price: %w", key, ErrUnavailable)
	}
	return p, nil
}

// NewDemoFixture fills a fixture with a deterministic, gently trending
// price series for days calendar days starting at start.
func NewDemoFixture(start time.Time, days int) *Fixture {
	f := NewFixture()
	base := decimal.NewFromInt(100)
	for i := 0; i < days; i++ {
		variation := decimal.NewFromFloat(float64(i%7-3) * 0.5)
		trend := decimal.NewFromFloat(float64(i) * 0.1)
		f.Set(start.AddDate(0, 0, i), base.Add(trend).Add(variation))
	}
	return f
}
