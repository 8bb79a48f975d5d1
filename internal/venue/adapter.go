// Package venue defines the capability contract every concrete exchange
// adapter implements (§4.1): connect_stream, subscribe, next_message,
// fetch_range. New venues are values implementing Adapter, not subclasses —
// the polymorphism-over-venues design note from spec.md §9.
package venue

import (
	"context"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Adapter is the capability set a venue must implement. Concrete variants
// live in internal/venue/kraken, internal/venue/binance, internal/venue/okx.
type Adapter interface {
	// Name returns the venue identifier used as candle.Candle.Venue.
	Name() string

	// ConnectStream opens the bidirectional live-data connection. It fails
	// with *ingesterr.TransportError on handshake failure.
	ConnectStream(ctx context.Context) error

	// Subscribe sends subscription frames for symbols x timeframes over an
	// already-connected stream. Implementations translate ws timeframes
	// into venue-native channels and may synthesize bars from trade
	// streams when the venue lacks a true candle channel.
	Subscribe(ctx context.Context, symbols []string, timeframes []candle.Timeframe) error

	// NextMessage returns the next canonical candle from the live stream.
	// It blocks until one is available, ctx is cancelled, or the
	// connection is lost (in which case it returns a *ingesterr.TransportError
	// and the caller must reconnect — NextMessage is not restartable).
	NextMessage(ctx context.Context) (candle.Candle, error)

	// FetchRange performs a paginated REST walk over [startMs, endMs) for
	// one (symbol, timeframe), returning a bounded, open_time_ms-ordered
	// batch. It fails with *ingesterr.TransportError, *ingesterr.RateLimitError,
	// or *ingesterr.PayloadError.
	FetchRange(ctx context.Context, symbol string, tf candle.Timeframe, startMs, endMs int64) ([]candle.Candle, error)

	// Close tears down the live stream connection, if any.
	Close() error
}

// NativeTimeframes reports, for documentation and the orchestrator's health
// report, which timeframes a venue streams as true OHLC vs. synthesizes
// from trades. See DESIGN.md's "Synthesized candles fidelity" decision.
type NativeTimeframes interface {
	NativeCandleTimeframes() []candle.Timeframe
}
