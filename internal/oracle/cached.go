package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Cached remembers resolved closing prices in Redis. A published close never
// changes, so hits are served without calling the upstream oracle. Redis
// errors fall through to upstream.
type Cached struct {
	next Oracle
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

// NewCached wraps next with a Redis price cache.
func NewCached(next Oracle, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *Cached) Close(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	key := closeKey(date)
	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil {
			return p, nil
		}
	}

	p, err := c.next.Close(ctx, date)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, key, p.String(), c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Str("date", DateKey(date)).Msg("cache close price")
	}
	return p, nil
}

func closeKey(date time.Time) string { return fmt.Sprintf("updown:close:%s", DateKey(date)) }
