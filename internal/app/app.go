// Package app assembles the engine from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/atmx/updown-engine/internal/api"
	"github.com/atmx/updown-engine/internal/betting"
	"github.com/atmx/updown-engine/internal/chain"
	"github.com/atmx/updown-engine/internal/config"
	"github.com/atmx/updown-engine/internal/database"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/risk"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/scheduler"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/wallet"
)

const leaderKey = "updown:scheduler:leader"

// App holds every long-lived component of one engine process.
type App struct {
	Config *config.Config

	Store      store.Store
	Ledger     *ledger.Ledger
	Rounds     *round.Service
	Settlement *settlement.Engine
	Bets       *betting.Service
	Wallet     *wallet.Service
	Scheduler  *scheduler.Scheduler
	Hub        *events.Hub
	Router     http.Handler

	pool *pgxpool.Pool
	rdb  *redis.Client
	nats *events.NATSPublisher
	log  zerolog.Logger
}

// Options overrides parts of the wiring. Zero values use the defaults.
type Options struct {
	// Oracle replaces the demo price fixture.
	Oracle oracle.Oracle
	// Gateway replaces the simulated chain gateway.
	Gateway chain.Gateway
	Now     func() time.Time
}

// New connects the configured backends and wires the services. On error
// everything already opened is closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (_ *App, err error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Config: cfg, log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	// --- Events ---
	a.Hub = events.NewHub(log.With().Str("component", "ws").Logger())
	pubs := events.Multi{a.Hub}
	if a.nats != nil {
		pubs = append(pubs, a.nats)
	}

	// --- Oracle ---
	var o oracle.Oracle = opts.Oracle
	if o == nil {
		start := opts.Now().In(cfg.Schedule.Location).AddDate(-1, 0, 0)
		o = oracle.NewDemoFixture(start, 800)
		log.Warn().Msg("using demo price fixture")
	}
	if a.rdb != nil {
		o = oracle.NewCached(o, a.rdb, 7*24*time.Hour, log.With().Str("component", "oracle").Logger())
	}
	resolver := oracle.NewResolver(o, oracle.ResolverConfig{
		AttemptTimeout: cfg.OracleAttemptTimeout,
		MaxInterval:    cfg.OracleMaxBackoff,
	}, log.With().Str("component", "resolver").Logger())

	// --- Services ---
	roundLocks, userLocks := lock.NewKeyed(), lock.NewKeyed()
	a.Ledger = ledger.New(a.Store, log.With().Str("component", "ledger").Logger())
	a.Rounds = round.NewService(round.ServiceParams{
		Store:     a.Store,
		Locks:     roundLocks,
		Schedule:  cfg.Schedule,
		Oracle:    o,
		Publisher: pubs,
		Logger:    log.With().Str("component", "round").Logger(),
		Now:       opts.Now,
	})
	a.Settlement = settlement.NewEngine(settlement.EngineParams{
		Store:     a.Store,
		Ledger:    a.Ledger,
		Locks:     roundLocks,
		Schedule:  cfg.Schedule,
		Resolver:  resolver,
		Halts:     settlement.NewHalts(a.Store),
		Publisher: pubs,
		Logger:    log.With().Str("component", "settlement").Logger(),
		Now:       opts.Now,
	})
	a.Bets = betting.NewService(a.Store, a.Ledger, userLocks,
		risk.NewStakeLimiter(cfg.MaxStakePerRound), pubs,
		log.With().Str("component", "betting").Logger()).WithClock(opts.Now)

	gw := opts.Gateway
	if gw == nil {
		gw = chain.NewSimulated()
	}
	a.Wallet = wallet.NewService(wallet.Params{
		Store:     a.Store,
		Ledger:    a.Ledger,
		Users:     userLocks,
		Gateway:   gw,
		Policy:    risk.WithdrawalPolicy{AutoApproveMax: cfg.WithdrawalAutoApproveMax},
		Publisher: pubs,
		Logger:    log.With().Str("component", "wallet").Logger(),
		Now:       opts.Now,
	})

	var leader lock.Leader
	if a.rdb != nil {
		if leader, err = lock.NewGoRedisLock(a.rdb, leaderKey, cfg.LeaderTTL); err != nil {
			return nil, err
		}
	}
	a.Scheduler, err = scheduler.New(scheduler.Params{
		Rounds:     a.Rounds,
		Settlement: a.Settlement,
		Wallet:     a.Wallet,
		Leader:     leader,
		FeeBps:     cfg.FeeBps,
		Interval:   cfg.TickInterval,
		Logger:     log.With().Str("component", "scheduler").Logger(),
		Now:        opts.Now,
	})
	if err != nil {
		return nil, err
	}

	a.Router = api.NewRouter(api.RouterParams{
		Handler: api.NewHandler(api.Params{
			Rounds:     a.Rounds,
			Settlement: a.Settlement,
			Bets:       a.Bets,
			Wallet:     a.Wallet,
			Ledger:     a.Ledger,
			Store:      a.Store,
			FeeBps:     cfg.FeeBps,
			Logger:     log.With().Str("component", "api").Logger(),
		}),
		WebSocket: a.Hub.HandleWS,
		Timeout:   cfg.HTTPTimeout,
		Logger:    log.With().Str("component", "http").Logger(),
	})
	return a, nil
}

// connect opens the store and the optional Redis and NATS clients.
func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.DatabaseURL == "" {
		a.log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	} else {
		if cfg.MigrateOnStart {
			applied, err := database.MigrateUp(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			a.log.Info().Bool("applied", applied).Msg("migrations checked")
		}
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.pool = pool
		a.Store = store.NewPostgresStore(pool)
		a.log.Info().Msg("connected to PostgreSQL")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		if a.pool != nil {
			a.Store = store.NewCachedStore(a.Store, a.rdb, cfg.CacheTTL)
		}
		a.log.Info().Msg("redis enabled")
	}

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, "updown-engine", a.log.With().Str("component", "nats").Logger())
		if err != nil {
			return err
		}
		a.nats = events.NewNATSPublisher(nc, "updown", a.log.With().Str("component", "nats").Logger())
		a.log.Info().Str("url", cfg.NATSURL).Msg("nats enabled")
	}
	return nil
}

// Close waits for in-flight settlements and releases every connection.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Wait()
	}
	var err error
	if a.nats != nil {
		err = multierr.Append(err, a.nats.Close())
	}
	if a.rdb != nil {
		err = multierr.Append(err, a.rdb.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}
