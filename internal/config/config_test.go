package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/round"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 100, cfg.FeeBps)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, "America/New_York", cfg.Schedule.Location.String())
	assert.Equal(t, round.Clock{Hour: 9, Minute: 30}, cfg.Schedule.Open)
	assert.Equal(t, round.Clock{Hour: 15, Minute: 59, Second: 59}, cfg.Schedule.Lock)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.Grace)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.CloseFetchDelay)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, time.Minute, cfg.LeaderTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("UPDOWN_FEE_BPS", "250")
	t.Setenv("UPDOWN_TIMEZONE", "Europe/London")
	t.Setenv("UPDOWN_SETTLE_GRACE_MIN", "45")
	t.Setenv("UPDOWN_TICK_INTERVAL", "5s")
	t.Setenv("UPDOWN_MAX_STAKE_PER_ROUND", "1000000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.FeeBps)
	assert.Equal(t, "Europe/London", cfg.Schedule.Location.String())
	assert.Equal(t, 45*time.Minute, cfg.Schedule.Grace)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, int64(1000000), cfg.MaxStakePerRound)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"UPDOWN_FEE_BPS":               "10001",
		"UPDOWN_SETTLE_GRACE_MIN":      "0",
		"UPDOWN_CLOSE_FETCH_DELAY_MIN": "0",
		"UPDOWN_TIMEZONE":              "Mars/Olympus",
		"UPDOWN_LOCK_TIME":             "25:00",
		"UPDOWN_OPEN_TIME":             "16:30",
		"UPDOWN_LOG_FORMAT":            "xml",
		"UPDOWN_TICK_INTERVAL":         "soon",
		"UPDOWN_HTTP_TIMEOUT":          "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
