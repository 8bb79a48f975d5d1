// Package ratelimit provides one token-bucket rate limiter per venue,
// adapted from cryptorun's internal/net/ratelimit.Limiter. The teacher's
// Limiter keys a map of buckets by host because a single provider can sit
// behind many hosts; here there is exactly one host per venue, so the
// per-host map collapses to a single *rate.Limiter per venue (see
// DESIGN.md's "Rate limiter" open-question decision).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a single venue's token bucket. Burst is always 2x the
// configured rate per spec: every REST call acquires one token, WS
// subscribe does not.
type Limiter struct {
	mu    sync.Mutex
	rps   float64
	inner *rate.Limiter
}

// NewLimiter creates a limiter for one venue with burst = 2x rps.
func NewLimiter(rps float64) *Limiter {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:   rps,
		inner: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether a request may proceed right now, consuming a token
// if so.
func (l *Limiter) Allow() bool {
	return l.inner.Allow()
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.inner.Wait(ctx)
}

// ReportTooManyRequests is called by the adapter on HTTP 429: it decays the
// bucket's capacity for one bucket period by consuming the remaining burst,
// the way the error handling design's rate-limited class requires ("reduces
// effective capacity, then retried as transient").
func (l *Limiter) ReportTooManyRequests() {
	l.mu.Lock()
	defer l.mu.Unlock()
	// The reservation is kept, not cancelled: cancelling would hand the
	// tokens straight back and leave capacity unchanged.
	l.inner.ReserveN(time.Now(), l.inner.Burst())
}

// Stats reports the limiter's current configuration and token level.
type Stats struct {
	RPS             float64
	Burst           int
	TokensAvailable float64
}

func (l *Limiter) Stats() Stats {
	return Stats{
		RPS:             float64(l.inner.Limit()),
		Burst:           l.inner.Burst(),
		TokensAvailable: l.inner.Tokens(),
	}
}

// Manager owns exactly one Limiter per venue; no cross-venue contention per
// the concurrency model's "rate limiters are owned one-per-venue" invariant.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewManager creates an empty per-venue rate limiter registry.
func NewManager() *Manager {
	return &Manager{limiters: make(map[string]*Limiter)}
}

// AddVenue registers a limiter for venue with the given requests-per-second
// rate (burst is derived as 2x).
func (m *Manager) AddVenue(venue string, rps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[venue] = NewLimiter(rps)
}

// Get returns the limiter for venue, if registered.
func (m *Manager) Get(venue string) (*Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limiters[venue]
	return l, ok
}

// Wait blocks until venue's bucket yields a token, or ctx is cancelled. An
// unregistered venue is allowed immediately (no limiter configured).
func (m *Manager) Wait(ctx context.Context, venue string) error {
	l, ok := m.Get(venue)
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// Stats returns a snapshot of every registered venue's limiter.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.limiters))
	for venue, l := range m.limiters {
		out[venue] = l.Stats()
	}
	return out
}
