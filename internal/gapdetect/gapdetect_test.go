package gapdetect

import (
	"path/filepath"
	"testing"

	"github.com/ingestcore/marketdata/internal/candle"
)

type fakeSource struct{ lastOpenMs int64 }

func (f fakeSource) LastOpenTimeMs(venue, symbol string, tf candle.Timeframe) (int64, error) {
	return f.lastOpenMs, nil
}

func TestDetector_ScenarioFromSpec(t *testing.T) {
	tfMs := candle.TF1m.Millis()
	T0 := int64(1_725_000_000_000)
	now := T0 + 20*tfMs

	cfg := Config{
		LookbackDays: 1, CooldownMinutes: 5, LateGraceIntervals: 3,
		MaxGapsPerStreamPerRun: 10, MaxBackfillMinutesPerStreamPerRun: 10000,
	}
	d := New(cfg, filepath.Join(t.TempDir(), "state.json"), fakeSource{lastOpenMs: T0})
	key := candle.StreamKey{Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m}

	gaps, err := d.Detect(key, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %d", len(gaps))
	}
	wantStart := T0 + tfMs
	wantEnd := T0 + 17*tfMs
	if gaps[0].StartMs != wantStart || gaps[0].EndMs != wantEnd {
		t.Fatalf("expected gap [%d,%d], got [%d,%d]", wantStart, wantEnd, gaps[0].StartMs, gaps[0].EndMs)
	}

	second, err := d.Detect(key, now+tfMs)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no gaps within cooldown, got %d", len(second))
	}
}

func TestDetector_NoGapWhenWithinLateGrace(t *testing.T) {
	tfMs := candle.TF1m.Millis()
	T0 := int64(1_725_000_000_000)
	now := T0 + 2*tfMs // within late_grace_intervals=3

	cfg := Config{LookbackDays: 1, CooldownMinutes: 5, LateGraceIntervals: 3}
	d := New(cfg, filepath.Join(t.TempDir(), "state.json"), fakeSource{lastOpenMs: T0})
	key := candle.StreamKey{Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m}

	gaps, err := d.Detect(key, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 0 {
		t.Fatalf("expected no gap inside the grace window, got %v", gaps)
	}
}

func TestCapGaps_TruncatesToDurationBudget(t *testing.T) {
	tfMs := candle.TF1m.Millis()
	g := Gap{StartMs: 0, EndMs: 99 * tfMs, Timeframe: candle.TF1m}

	capped := capGaps([]Gap{g}, tfMs, 10, 5) // 5 minutes = 5 intervals of 1m
	if len(capped) != 1 {
		t.Fatalf("expected one partial gap, got %d", len(capped))
	}
	wantEnd := 4 * tfMs
	if capped[0].EndMs != wantEnd {
		t.Fatalf("expected truncated end %d, got %d", wantEnd, capped[0].EndMs)
	}
}

func TestChunkGap_SplitsIntoBoundedChunks(t *testing.T) {
	tfMs := candle.TF1m.Millis()
	g := Gap{StartMs: 0, EndMs: 9 * tfMs, Timeframe: candle.TF1m}

	chunks := ChunkGap(g, 3)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks of size<=3 intervals for a 10-interval gap, got %d", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.EndMs != g.EndMs {
		t.Fatalf("expected last chunk to end at gap end %d, got %d", g.EndMs, last.EndMs)
	}
}
