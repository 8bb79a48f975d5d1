package router

import (
	"context"
	"errors"
	"testing"

	"github.com/ingestcore/marketdata/internal/candle"
)

type stubProcessor struct {
	name    string
	failing bool
	calls   int
}

func (s *stubProcessor) Name() string { return s.name }
func (s *stubProcessor) Process(ctx context.Context, ev candle.Event) error {
	s.calls++
	if s.failing {
		return errors.New("boom")
	}
	return nil
}
func (s *stubProcessor) Finalize(ctx context.Context) error { return nil }

func TestRouter_SortsProcessorsByName(t *testing.T) {
	b := &stubProcessor{name: "b"}
	a := &stubProcessor{name: "a"}
	r, err := New(BestEffort, []Processor{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if r.processors[0].Name() != "a" || r.processors[1].Name() != "b" {
		t.Fatalf("expected sorted order a,b, got %s,%s", r.processors[0].Name(), r.processors[1].Name())
	}
}

func TestRouter_FailClosed_ShortCircuitsOnFirstFailure(t *testing.T) {
	first := &stubProcessor{name: "a", failing: true}
	second := &stubProcessor{name: "b"}
	r, err := New(FailClosed, []Processor{first, second})
	if err != nil {
		t.Fatal(err)
	}
	res := r.Dispatch(context.Background(), candle.Event{})
	if !res.Failed {
		t.Fatal("expected Failed=true")
	}
	if second.calls != 0 {
		t.Fatalf("expected second processor to be skipped under fail_closed, got %d calls", second.calls)
	}
}

func TestRouter_BestEffort_RunsAllDespiteFailure(t *testing.T) {
	first := &stubProcessor{name: "a", failing: true}
	second := &stubProcessor{name: "b"}
	r, err := New(BestEffort, []Processor{first, second})
	if err != nil {
		t.Fatal(err)
	}
	res := r.Dispatch(context.Background(), candle.Event{})
	if !res.Failed {
		t.Fatal("expected Failed=true")
	}
	if second.calls != 1 {
		t.Fatalf("expected second processor to run under best_effort, got %d calls", second.calls)
	}
}
