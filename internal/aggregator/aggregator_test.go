package aggregator

import (
	"testing"

	"github.com/ingestcore/marketdata/internal/candle"
)

func minuteCandle(openMs int64, open, high, low, close, volume float64) candle.Candle {
	return candle.Candle{
		Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m,
		OpenTimeMs: openMs, CloseTimeMs: openMs + candle.TF1m.Millis() - 1,
		Open: open, High: high, Low: low, Close: close, Volume: volume,
		IsClosed: true, Source: candle.SourceLive,
	}
}

func TestAggregator_FiveOneMinuteBarsIntoOneFiveMinuteBar(t *testing.T) {
	base := candle.TF1m.Millis()
	a := New("kraken", candle.TF1m, []candle.Timeframe{candle.TF5m})

	closes := []float64{100, 101, 99, 102, 105}
	var result []candle.Candle
	for i, c := range closes {
		open := int64(i) * base
		bar := minuteCandle(open, c-0.5, c+0.5, c-1, c, 1)
		result = append(result, a.Update(bar)...)
	}

	if len(result) != 1 {
		t.Fatalf("expected exactly one closed 5m bucket, got %d", len(result))
	}
	got := result[0]
	if got.Source != candle.SourceAggregated {
		t.Errorf("expected source=aggregated, got %s", got.Source)
	}
	if got.Close != 105 {
		t.Errorf("expected close=105, got %v", got.Close)
	}
	if got.Volume != 5 {
		t.Errorf("expected volume=5, got %v", got.Volume)
	}
	if got.OpenTimeMs%candle.TF5m.Millis() != 0 {
		t.Errorf("expected aligned open_time_ms, got %d", got.OpenTimeMs)
	}
	wantHigh := 105.5
	if got.High != wantHigh {
		t.Errorf("expected high=%v, got %v", wantHigh, got.High)
	}
	wantLow := 98.0
	if got.Low != wantLow {
		t.Errorf("expected low=%v, got %v", wantLow, got.Low)
	}
}

func TestAggregator_IgnoresUnclosedBaseCandles(t *testing.T) {
	a := New("kraken", candle.TF1m, []candle.Timeframe{candle.TF5m})
	bar := minuteCandle(0, 100, 101, 99, 100, 1)
	bar.IsClosed = false

	if out := a.Update(bar); out != nil {
		t.Fatalf("unclosed base candle must not contribute to a bucket, got %v", out)
	}
}

func TestAggregator_FlushForceClosesInProgressBucket(t *testing.T) {
	base := candle.TF1m.Millis()
	a := New("kraken", candle.TF1m, []candle.Timeframe{candle.TF5m})

	closes := []float64{100, 101, 99}
	for i, c := range closes {
		open := int64(i) * base
		bar := minuteCandle(open, c-0.5, c+0.5, c-1, c, 1)
		if out := a.Update(bar); len(out) != 0 {
			t.Fatalf("bucket should not have closed naturally yet, got %v", out)
		}
	}

	flushed := a.Flush()
	if len(flushed) != 1 {
		t.Fatalf("expected exactly one force-closed bucket, got %d", len(flushed))
	}
	got := flushed[0]
	if !got.IsClosed {
		t.Errorf("flushed candle must be marked closed")
	}
	if got.Close != 99 {
		t.Errorf("expected close=99, got %v", got.Close)
	}
	if got.Volume != 3 {
		t.Errorf("expected volume=3, got %v", got.Volume)
	}

	if out := a.Flush(); len(out) != 0 {
		t.Errorf("flush must drain buckets so a second call returns nothing, got %v", out)
	}
}
