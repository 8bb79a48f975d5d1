// Package guard bundles a venue's rate limiter and circuit breaker into the
// single dependency each concrete adapter needs, adapted from cryptorun's
// internal/providers/guards.ProviderGuard — narrowed to the two concerns a
// REST fetch_range call actually needs here. The teacher's guard also owns
// a point-in-time response cache; this core persists closed candles to its
// own partitioned store instead, so no caching layer is carried over (see
// DESIGN.md's dropped-dependency note for the teacher's cache package).
package guard

import (
	"context"
	"time"

	"github.com/ingestcore/marketdata/internal/net/circuit"
	"github.com/ingestcore/marketdata/internal/net/ratelimit"
)

// Config configures one venue's guard bundle.
type Config struct {
	Venue             string
	RatePerSecond     float64
	FailureThreshold  int
	SuccessThreshold  int
	OpenTimeout       time.Duration
	RequestTimeout    time.Duration
}

// Guard wraps a REST call with rate limiting followed by circuit breaking.
type Guard struct {
	venue   string
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
}

// New builds a Guard from Config, applying the teacher's circuit defaults
// when the caller leaves threshold fields zero.
func New(cfg Config) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Guard{
		venue:   cfg.Venue,
		limiter: ratelimit.NewLimiter(cfg.RatePerSecond),
		breaker: circuit.NewBreaker(circuit.Config{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			Timeout:          cfg.OpenTimeout,
			RequestTimeout:   cfg.RequestTimeout,
		}),
	}
}

// Execute waits for a rate-limit token, then runs fn through the circuit
// breaker. Callers use this instead of driving the limiter and breaker
// separately.
func (g *Guard) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Call(ctx, fn)
}

// ReportTooManyRequests lets a caller react to an HTTP 429 by shrinking the
// limiter's available burst immediately rather than waiting for the next
// natural refill.
func (g *Guard) ReportTooManyRequests() { g.limiter.ReportTooManyRequests() }

// Limiter exposes the underlying rate limiter, for adapters that need
// direct access (e.g. to call Wait before a paginated loop).
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }

// Breaker exposes the underlying circuit breaker.
func (g *Guard) Breaker() *circuit.Breaker { return g.breaker }

// Health reports whether the venue's breaker is in a healthy state.
type Health struct {
	Venue       string         `json:"venue"`
	BreakerState circuit.State `json:"breaker_state"`
	Stats       circuit.Stats  `json:"stats"`
}

// Health returns the guard's current health snapshot.
func (g *Guard) Health() Health {
	return Health{Venue: g.venue, BreakerState: g.breaker.State(), Stats: g.breaker.Stats()}
}
