package validator

import (
	"testing"

	"github.com/ingestcore/marketdata/internal/candle"
)

func closedCandle(openMs int64, content string) candle.Candle {
	return candle.Candle{
		Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m,
		OpenTimeMs: openMs, CloseTimeMs: openMs + candle.TF1m.Millis() - 1,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1,
		IsClosed: true, Source: candle.SourceLive,
	}
}

func TestStream_Admit_AcceptsAndEmitsClosedInOrder(t *testing.T) {
	s := NewStream(candle.TF1m, 5)

	outcome, emitted := s.Admit(closedCandle(60000, "h1"), "h1")
	if outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", outcome)
	}
	if len(emitted) != 1 || emitted[0].OpenTimeMs != 60000 {
		t.Fatalf("expected immediate emission of closed candle, got %v", emitted)
	}
}

func TestStream_Admit_DuplicateSameContentDropped(t *testing.T) {
	s := NewStream(candle.TF1m, 5)
	s.Admit(closedCandle(60000, "h1"), "h1")

	outcome, emitted := s.Admit(closedCandle(60000, "h1"), "h1")
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	if len(emitted) != 0 {
		t.Fatalf("duplicate should not emit")
	}
	if s.Metrics().DupDropped != 1 {
		t.Fatalf("expected dup_dropped=1, got %d", s.Metrics().DupDropped)
	}
}

func TestStream_Admit_ReplacesDifferingContentBeforeEmission(t *testing.T) {
	s := NewStream(candle.TF1m, 5)

	unclosed := closedCandle(60000, "h1")
	unclosed.IsClosed = false
	outcome, emitted := s.Admit(unclosed, "h1")
	if outcome != OutcomeAccepted || len(emitted) != 0 {
		t.Fatalf("unclosed candle should buffer without emitting, got outcome=%s emitted=%v", outcome, emitted)
	}

	outcome, emitted = s.Admit(closedCandle(60000, "h2"), "h2")
	if outcome != OutcomeReplaced {
		t.Fatalf("expected replaced, got %s", outcome)
	}
	if len(emitted) != 1 {
		t.Fatalf("closing the replaced candle should emit it")
	}
}

func TestStream_Admit_LateOutOfWindowDropped(t *testing.T) {
	s := NewStream(candle.TF1m, 5)
	tfMs := candle.TF1m.Millis()

	s.Admit(closedCandle(100*tfMs, "h1"), "h1")

	late := closedCandle(100*tfMs-6*tfMs, "h-late")
	outcome, emitted := s.Admit(late, "h-late")
	if outcome != OutcomeLateDrop {
		t.Fatalf("expected late_out_of_window, got %s", outcome)
	}
	if len(emitted) != 0 {
		t.Fatalf("late drop should not emit")
	}
}

func TestStream_Admit_RejectsInvalidCandle(t *testing.T) {
	s := NewStream(candle.TF1m, 5)
	bad := closedCandle(60001, "h1") // not aligned to tf_ms

	outcome, _ := s.Admit(bad, "h1")
	if outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", outcome)
	}
	if s.Metrics().Rejected != 1 {
		t.Fatalf("expected rejected=1, got %d", s.Metrics().Rejected)
	}
}

func TestStream_Flush_EmitsClosedInFlightCandles(t *testing.T) {
	s := NewStream(candle.TF1m, 5)
	tfMs := candle.TF1m.Millis()

	unclosed := closedCandle(tfMs, "h1")
	unclosed.IsClosed = false
	s.Admit(unclosed, "h1")
	s.Admit(closedCandle(2*tfMs, "h2"), "h2")

	flushed := s.Flush()
	if len(flushed) != 1 || flushed[0].OpenTimeMs != 2*tfMs {
		t.Fatalf("expected only the closed candle to flush, got %v", flushed)
	}
}

func TestRegistry_Stream_IsolatesByKey(t *testing.T) {
	r := NewRegistry(5)
	a := r.Stream(candle.StreamKey{Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m})
	b := r.Stream(candle.StreamKey{Venue: "kraken", Symbol: "ETHUSD", Timeframe: candle.TF1m})
	if a == b {
		t.Fatal("distinct keys must get distinct streams")
	}
	same := r.Stream(candle.StreamKey{Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m})
	if a != same {
		t.Fatal("same key must return the same stream instance")
	}
}
