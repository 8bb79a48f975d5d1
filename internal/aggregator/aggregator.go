// Package aggregator derives higher timeframes from a base timeframe
// stream (spec §4.3), grounded on
// _examples/original_source/aggregator.py's TimeframeAggregator: floor the
// base candle's open time to the target bucket, fold in running
// high/low/close/volume, and close the bucket once its close time is
// within one base-interval of the bucket's own close time. The teacher has
// no timeframe-aggregation analogue of its own, so the surrounding shape
// (a small owned struct with an explicit update method, no generic
// stream-processing framework) follows the teacher's general convention
// instead.
package aggregator

import (
	"github.com/ingestcore/marketdata/internal/candle"
)

type bucketKey struct {
	Symbol string
	TF     candle.Timeframe
}

type bucket struct {
	openMs, closeMs int64
	open, high, low, close float64
	volume       float64
	quoteVolume  float64
	hasQuoteVol  bool
	tradesCount  int64
	hasTrades    bool
}

// Aggregator builds higher-timeframe candles from a stream of accepted,
// is_closed=true base candles. It never reads back from storage.
type Aggregator struct {
	venue        string
	baseTfMs     int64
	targets      []candle.Timeframe
	buckets      map[bucketKey]*bucket
}

// New builds an Aggregator for one venue, deriving each of targets from
// base.
func New(venue string, base candle.Timeframe, targets []candle.Timeframe) *Aggregator {
	return &Aggregator{
		venue:    venue,
		baseTfMs: base.Millis(),
		targets:  targets,
		buckets:  make(map[bucketKey]*bucket),
	}
}

// Update feeds one accepted base candle through every configured target
// timeframe and returns any candles whose bucket just closed, source
// tagged "aggregated" and ready for re-submission through the validator.
func (a *Aggregator) Update(c candle.Candle) []candle.Candle {
	if !c.IsClosed {
		return nil
	}

	var closed []candle.Candle
	for _, tf := range a.targets {
		tfMs := tf.Millis()
		bucketOpen := (c.OpenTimeMs / tfMs) * tfMs
		key := bucketKey{Symbol: c.Symbol, TF: tf}

		b, ok := a.buckets[key]
		if !ok {
			b = &bucket{
				openMs: bucketOpen,
				closeMs: bucketOpen + tfMs - 1,
				open: c.Open, high: c.High, low: c.Low, close: c.Close,
				volume: c.Volume,
			}
			if c.QuoteVolume != nil {
				b.quoteVolume = *c.QuoteVolume
				b.hasQuoteVol = true
			}
			if c.TradesCount != nil {
				b.tradesCount = *c.TradesCount
				b.hasTrades = true
			}
			a.buckets[key] = b
		} else {
			if c.High > b.high {
				b.high = c.High
			}
			if c.Low < b.low {
				b.low = c.Low
			}
			b.close = c.Close
			b.volume += c.Volume
			if c.QuoteVolume != nil {
				b.quoteVolume += *c.QuoteVolume
				b.hasQuoteVol = true
			}
			if c.TradesCount != nil {
				b.tradesCount += *c.TradesCount
				b.hasTrades = true
			}
		}

		if c.CloseTimeMs >= b.closeMs-(a.baseTfMs-1) {
			out := candle.Candle{
				Venue: a.venue, Symbol: c.Symbol, Timeframe: tf,
				OpenTimeMs: b.openMs, CloseTimeMs: b.closeMs,
				Open: b.open, High: b.high, Low: b.low, Close: b.close,
				Volume:   b.volume,
				IsClosed: true,
				Source:   candle.SourceAggregated,
			}
			if b.hasQuoteVol {
				qv := b.quoteVolume
				out.QuoteVolume = &qv
			}
			if b.hasTrades {
				tc := b.tradesCount
				out.TradesCount = &tc
			}
			closed = append(closed, out)
			delete(a.buckets, key)
		}
	}
	return closed
}

// Flush force-closes every bucket still in progress, mirroring
// aggregator.py's flush(): called once on shutdown so a partially-filled
// higher-timeframe bar isn't silently lost, even though it never reached
// its natural close condition.
func (a *Aggregator) Flush() []candle.Candle {
	out := make([]candle.Candle, 0, len(a.buckets))
	for key, b := range a.buckets {
		c := candle.Candle{
			Venue: a.venue, Symbol: key.Symbol, Timeframe: key.TF,
			OpenTimeMs: b.openMs, CloseTimeMs: b.closeMs,
			Open: b.open, High: b.high, Low: b.low, Close: b.close,
			Volume:   b.volume,
			IsClosed: true,
			Source:   candle.SourceAggregated,
		}
		if b.hasQuoteVol {
			qv := b.quoteVolume
			c.QuoteVolume = &qv
		}
		if b.hasTrades {
			tc := b.tradesCount
			c.TradesCount = &tc
		}
		out = append(out, c)
		delete(a.buckets, key)
	}
	return out
}
