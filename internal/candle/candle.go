// Package candle defines the canonical OHLCV record and event types shared
// across every component of the ingestion core.
package candle

import "fmt"

// Timeframe is a bar duration. Only the enumerated values are valid.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Millis returns the bar duration of a timeframe in milliseconds.
func (tf Timeframe) Millis() int64 {
	switch tf {
	case TF1m:
		return 60_000
	case TF5m:
		return 5 * 60_000
	case TF15m:
		return 15 * 60_000
	case TF1h:
		return 60 * 60_000
	case TF4h:
		return 4 * 60 * 60_000
	case TF1d:
		return 24 * 60 * 60_000
	default:
		return 0
	}
}

// Valid reports whether tf is one of the enumerated timeframes.
func (tf Timeframe) Valid() bool {
	return tf.Millis() > 0
}

// Source is the provenance of a candle.
type Source string

const (
	SourceLive       Source = "live"
	SourceREST       Source = "rest"
	SourceAggregated Source = "aggregated"
	SourceCompacted  Source = "compacted"
)

// Candle is the single canonical record type all downstream code sees.
// Field nullability is modeled with pointers so that "absent" survives a
// JSON/Parquet round trip distinctly from zero.
type Candle struct {
	Venue       string    `json:"venue" parquet:"venue"`
	Symbol      string    `json:"symbol" parquet:"symbol"`
	Timeframe   Timeframe `json:"timeframe" parquet:"timeframe"`
	OpenTimeMs  int64     `json:"open_time_ms" parquet:"open_time_ms"`
	CloseTimeMs int64     `json:"close_time_ms" parquet:"close_time_ms"`

	Open  float64 `json:"open" parquet:"open"`
	High  float64 `json:"high" parquet:"high"`
	Low   float64 `json:"low" parquet:"low"`
	Close float64 `json:"close" parquet:"close"`
	Volume float64 `json:"volume" parquet:"volume"`

	QuoteVolume *float64 `json:"quote_volume,omitempty" parquet:"quote_volume,optional"`
	VWAP        *float64 `json:"vwap,omitempty" parquet:"vwap,optional"`
	TradesCount *int64   `json:"trades_count,omitempty" parquet:"trades_count,optional"`
	VolCcy      *float64 `json:"vol_ccy,omitempty" parquet:"vol_ccy,optional"`
	VolCcyQuote *float64 `json:"vol_ccy_quote,omitempty" parquet:"vol_ccy_quote,optional"`

	IsClosed bool   `json:"is_closed" parquet:"is_closed"`
	Source   Source `json:"source" parquet:"source"`

	IngestTimeMs int64 `json:"ingest_time_ms" parquet:"ingest_time_ms"`
}

// Key is the primary key of a candle: (venue, symbol, timeframe, open_time_ms).
type Key struct {
	Venue      string
	Symbol     string
	Timeframe  Timeframe
	OpenTimeMs int64
}

// PK returns the candle's primary key.
func (c Candle) PK() Key {
	return Key{Venue: c.Venue, Symbol: c.Symbol, Timeframe: c.Timeframe, OpenTimeMs: c.OpenTimeMs}
}

// StreamKey identifies a single (venue, symbol, timeframe) stream, the unit
// the validator, aggregator, and gap detector all key their state by.
type StreamKey struct {
	Venue     string
	Symbol    string
	Timeframe Timeframe
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.Symbol, k.Timeframe)
}

func (c Candle) streamKey() StreamKey {
	return StreamKey{Venue: c.Venue, Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// StreamKey returns the stream this candle belongs to.
func (c Candle) StreamKey() StreamKey { return c.streamKey() }

// Validate checks the structural invariants from the data model: OHLC
// sanity, time alignment, and close_time_ms derivation. It does not check
// uniqueness, which is a cross-record property enforced by the writer and
// compactor.
func (c Candle) Validate() error {
	if c.Venue == "" {
		return fmt.Errorf("candle: venue is required")
	}
	if c.Symbol == "" {
		return fmt.Errorf("candle: symbol is required")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle: invalid timeframe %q", c.Timeframe)
	}
	tfMs := c.Timeframe.Millis()
	if c.OpenTimeMs%tfMs != 0 {
		return fmt.Errorf("candle: open_time_ms %d not aligned to timeframe %s", c.OpenTimeMs, c.Timeframe)
	}
	if want := c.OpenTimeMs + tfMs - 1; c.CloseTimeMs != want {
		return fmt.Errorf("candle: close_time_ms %d != open_time_ms+tf_ms-1 (%d)", c.CloseTimeMs, want)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle: OHLC must be > 0 (o=%g h=%g l=%g c=%g)", c.Open, c.High, c.Low, c.Close)
	}
	lowBound := min(c.Open, c.Close)
	highBound := max(c.Open, c.Close)
	if c.Low > lowBound || highBound > c.High {
		return fmt.Errorf("candle: OHLC sanity violated: low=%g open=%g close=%g high=%g", c.Low, c.Open, c.Close, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle: volume must be >= 0, got %g", c.Volume)
	}
	return nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
