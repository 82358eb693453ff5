package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/app"
	"github.com/atmx/updown-engine/internal/config"
	"github.com/atmx/updown-engine/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
	return w
}

func TestApp_InMemoryTradingDay(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	ny := cfg.Schedule.Location

	clk := &clock{t: time.Date(2025, 8, 15, 10, 0, 0, 0, ny)}
	a, err := app.New(context.Background(), cfg, zerolog.Nop(), app.Options{Now: clk.Now})
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	ctx := context.Background()
	require.NoError(t, a.Scheduler.Tick(ctx))

	r, err := a.Rounds.Get(ctx, "20250815")
	require.NoError(t, err)
	assert.Equal(t, model.RoundOpen, r.Status)
	assert.True(t, r.ReferencePrice.Valid, "demo fixture has the previous close")

	for _, body := range []string{
		`{"user_id":"alice","amount":1000}`,
		`{"user_id":"bob","amount":1000}`,
	} {
		w := post(t, a.Router, "/api/v1/deposits/simulate", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := post(t, a.Router, "/api/v1/bets", `{"user_id":"alice","round_code":"20250815","side":"UP","stake":300}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = post(t, a.Router, "/api/v1/bets", `{"user_id":"bob","round_code":"20250815","side":"DOWN","stake":100}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	clk.Set(time.Date(2025, 8, 15, 16, 10, 0, 0, ny))
	require.NoError(t, a.Scheduler.Tick(ctx))
	a.Scheduler.Wait()

	r, err = a.Rounds.Get(ctx, "20250815")
	require.NoError(t, err)
	assert.Equal(t, model.RoundSettled, r.Status)
	assert.Contains(t, []model.Result{model.ResultUp, model.ResultDown}, r.Result)

	report, err := a.Ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced)

	tvl, err := a.Wallet.TVL(ctx)
	require.NoError(t, err)
	// Only the fee left user hands.
	assert.Equal(t, int64(2000)-report.SystemTotals[model.AccountFees]-report.SystemTotals[model.AccountHouse], tvl.Total)
	assert.Zero(t, tvl.Locked)

	w = httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/rounds/20250815", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		CommitVerified *bool `json:"commit_verified"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.CommitVerified)
	assert.True(t, *view.CommitVerified)
}

func TestApp_BadDatabaseURL(t *testing.T) {
	t.Setenv("UPDOWN_DATABASE_URL", "postgres://%zz")
	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = app.New(context.Background(), cfg, zerolog.Nop(), app.Options{})
	assert.Error(t, err)
}
