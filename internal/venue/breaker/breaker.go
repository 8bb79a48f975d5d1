// Package breaker wraps a venue's live-stream reconnect loop with
// sony/gobreaker, adapted from infra/breakers.Breaker. Unlike the REST
// circuit breaker in internal/net/circuit (tuned per-call with its own
// failure/success thresholds and a half-open probe), this one governs
// whole-connection rebuild attempts with gobreaker's simpler
// consecutive-failure semantics: trip after 3 consecutive failed
// reconnects, or a >5% failure rate once at least 20 attempts have been
// observed.
package breaker

import (
	"time"

	gobreaker "github.com/sony/gobreaker"
)

// ReconnectBreaker guards one venue's connect_stream+subscribe sequence.
type ReconnectBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a breaker named after the venue, for use in log lines and
// metrics labels.
func New(venueName string) *ReconnectBreaker {
	st := gobreaker.Settings{Name: venueName}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &ReconnectBreaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Reconnect executes fn (the venue's connect_stream + subscribe sequence)
// through the breaker, returning gobreaker.ErrOpenState when tripped.
func (b *ReconnectBreaker) Reconnect(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State reports the breaker's current state for health reporting.
func (b *ReconnectBreaker) State() gobreaker.State {
	return b.cb.State()
}
