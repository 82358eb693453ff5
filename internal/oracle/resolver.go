package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
)

// Request describes one outcome resolution.
type Request struct {
	RoundCode     string
	CloseDate     time.Time
	ReferenceDate time.Time
	// Reference is the prior close if it was captured at open.
	Reference decimal.NullDecimal
	// Deadline is lock_ts plus the grace window. Past it, VOID is forced.
	Deadline time.Time
}

// Outcome is the resolved result and the prices it was derived from.
type Outcome struct {
	Result    model.Result
	Close     decimal.NullDecimal
	Reference decimal.NullDecimal
	// Forced is set when the grace window expired before both prices were known.
	Forced   bool
	Attempts int
}

// Decide compares a close against the reference. Equality resolves DOWN.
func Decide(close, reference decimal.Decimal) model.Result {
	if close.GreaterThan(reference) {
		return model.ResultUp
	}
	return model.ResultDown
}

// ResolverConfig tunes retry behaviour.
type ResolverConfig struct {
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Resolver retries an Oracle with bounded exponential backoff until a
// wall-clock deadline. It holds no locks; callers must not either.
type Resolver struct {
	oracle Oracle
	cfg    ResolverConfig
	log    zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. Zero config fields get defaults.
func NewResolver(o Oracle, cfg ResolverConfig, log zerolog.Logger) *Resolver {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Minute
	}
	return &Resolver{oracle: o, cfg: cfg, log: log, now: time.Now}
}

// Resolve fetches whichever of the reference and close prices are missing
// and decides the outcome. If the deadline has already passed one final
// attempt is made. When the deadline expires without both prices the outcome
// is VOID with Forced set; that is not an error. An error is returned only
// if ctx itself is cancelled, in which case nothing should be settled.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Reference: req.Reference}
	log := r.log.With().Str("round", req.RoundCode).Logger()

	attempt := func(parent context.Context) error {
		out.Attempts++
		actx, cancel := context.WithTimeout(parent, r.cfg.AttemptTimeout)
		defer cancel()

		if !out.Reference.Valid {
			p, err := r.oracle.Close(actx, req.ReferenceDate)
			if err != nil {
				metrics.OracleAttempts.WithLabelValues("unavailable").Inc()
				log.Warn().Err(err).Int("attempt", out.Attempts).Msg("reference price unavailable")
				return err
			}
			out.Reference = decimal.NewNullDecimal(p)
		}
		if !out.Close.Valid {
			p, err := r.oracle.Close(actx, req.CloseDate)
			if err != nil {
				metrics.OracleAttempts.WithLabelValues("unavailable").Inc()
				log.Warn().Err(err).Int("attempt", out.Attempts).Msg("close price unavailable")
				return err
			}
			out.Close = decimal.NewNullDecimal(p)
		}
		metrics.OracleAttempts.WithLabelValues("ok").Inc()
		return nil
	}

	var err error
	if !r.now().Before(req.Deadline) {
		err = attempt(ctx)
	} else {
		dctx, cancel := context.WithDeadline(ctx, req.Deadline)
		defer cancel()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.InitialInterval
		b.MaxInterval = r.cfg.MaxInterval
		b.MaxElapsedTime = 0
		err = backoff.Retry(func() error { return attempt(dctx) }, backoff.WithContext(b, dctx))
	}

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Outcome{}, cerr
		}
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("oracle error treated as unavailable")
		}
		metrics.OracleForcedVoids.Inc()
		log.Warn().Int("attempts", out.Attempts).Time("deadline", req.Deadline).
			Msg("grace window expired, forcing VOID")
		out.Result = model.ResultVoid
		out.Forced = true
		return out, nil
	}

	out.Result = Decide(out.Close.Decimal, out.Reference.Decimal)
	return out, nil
}
