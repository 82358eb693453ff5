// Package config loads service configuration from UPDOWN_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // timezone database for minimal containers

	"github.com/kelseyhightower/envconfig"

	"github.com/atmx/updown-engine/internal/round"
)

// EnvPrefix prefixes every variable, e.g. UPDOWN_FEE_BPS.
const EnvPrefix = "UPDOWN"

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	NATSURL     string `envconfig:"NATS_URL"`

	Timezone           string `envconfig:"TIMEZONE" default:"America/New_York"`
	FeeBps             int    `envconfig:"FEE_BPS" default:"100"`
	SettleGraceMin     int    `envconfig:"SETTLE_GRACE_MIN" default:"30"`
	CloseFetchDelayMin int    `envconfig:"CLOSE_FETCH_DELAY_MIN" default:"5"`
	OpenTime           string `envconfig:"OPEN_TIME" default:"09:30"`
	LockTime           string `envconfig:"LOCK_TIME" default:"15:59:59"`
	CloseTime          string `envconfig:"CLOSE_TIME" default:"16:00"`

	TickInterval         time.Duration `envconfig:"TICK_INTERVAL" default:"30s"`
	OracleAttemptTimeout time.Duration `envconfig:"ORACLE_ATTEMPT_TIMEOUT" default:"10s"`
	OracleMaxBackoff     time.Duration `envconfig:"ORACLE_MAX_BACKOFF" default:"2m"`
	CacheTTL             time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	MaxStakePerRound         int64 `envconfig:"MAX_STAKE_PER_ROUND" default:"0"`
	WithdrawalAutoApproveMax int64 `envconfig:"WITHDRAWAL_AUTO_APPROVE_MAX" default:"0"`
	MigrateOnStart           bool  `envconfig:"MIGRATE_ON_START" default:"false"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	LeaderTTL   time.Duration `envconfig:"LEADER_TTL" default:"1m"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Schedule is derived from the fields above by Load.
	Schedule round.Schedule `ignored:"true"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("%s_FEE_BPS %d outside 0..10000", EnvPrefix, c.FeeBps)
	}
	if c.SettleGraceMin < 1 {
		return fmt.Errorf("%s_SETTLE_GRACE_MIN must be at least 1", EnvPrefix)
	}
	if c.CloseFetchDelayMin < 1 {
		return fmt.Errorf("%s_CLOSE_FETCH_DELAY_MIN must be at least 1", EnvPrefix)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%s_TICK_INTERVAL must be positive", EnvPrefix)
	}
	if c.HTTPTimeout <= 0 || c.LeaderTTL <= 0 {
		return fmt.Errorf("%s_HTTP_TIMEOUT and %s_LEADER_TTL must be positive", EnvPrefix, EnvPrefix)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("%s_LOG_FORMAT %q must be json or console", EnvPrefix, c.LogFormat)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%s_TIMEZONE: %w", EnvPrefix, err)
	}
	clocks := make([]round.Clock, 3)
	for i, f := range []struct{ name, value string }{
		{"OPEN_TIME", c.OpenTime},
		{"LOCK_TIME", c.LockTime},
		{"CLOSE_TIME", c.CloseTime},
	} {
		if clocks[i], err = round.ParseClock(f.value); err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, f.name, err)
		}
	}
	open, lockAt, closeAt := clocks[0], clocks[1], clocks[2]
	if !before(open, lockAt) || before(closeAt, lockAt) {
		return fmt.Errorf("schedule must satisfy open < lock <= close, got %s/%s/%s", open, lockAt, closeAt)
	}

	c.Schedule = round.Schedule{
		Location:        loc,
		Open:            open,
		Lock:            lockAt,
		Close:           closeAt,
		CloseFetchDelay: time.Duration(c.CloseFetchDelayMin) * time.Minute,
		Grace:           time.Duration(c.SettleGraceMin) * time.Minute,
	}
	return nil
}

func before(a, b round.Clock) bool {
	return a.Hour*3600+a.Minute*60+a.Second < b.Hour*3600+b.Minute*60+b.Second
}
