package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ingestcore/marketdata/internal/candle"
	"github.com/ingestcore/marketdata/internal/ops"
	"github.com/ingestcore/marketdata/internal/router"
	"github.com/ingestcore/marketdata/internal/validator"
	"github.com/ingestcore/marketdata/internal/writer"
)

type fakeAdapter struct {
	name     string
	mu       sync.Mutex
	queue    []candle.Candle
	closed   bool
}

func (f *fakeAdapter) Name() string                          { return f.name }
func (f *fakeAdapter) ConnectStream(ctx context.Context) error { return nil }
func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []string, tfs []candle.Timeframe) error {
	return nil
}
func (f *fakeAdapter) NextMessage(ctx context.Context) (candle.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		<-ctx.Done()
		return candle.Candle{}, ctx.Err()
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	return c, nil
}
func (f *fakeAdapter) FetchRange(ctx context.Context, symbol string, tf candle.Timeframe, startMs, endMs int64) ([]candle.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) Close() error { f.closed = true; return nil }

type fakeSink struct {
	mu       sync.Mutex
	inserted []candle.Event
}

func (s *fakeSink) Insert(ctx context.Context, ev candle.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, ev)
	return true, nil
}
func (s *fakeSink) CommitCursor(ctx context.Context, name string, lastTsMs int64, lastEventID string, nowMs int64) error {
	return nil
}
func (s *fakeSink) LoadCursor(ctx context.Context, name string) (candle.ReplayCursor, bool, error) {
	return candle.ReplayCursor{}, false, nil
}

func closedTestCandle(venue string, openMs int64) candle.Candle {
	tfMs := candle.TF1m.Millis()
	return candle.Candle{
		Venue: venue, Symbol: "BTC-USD", Timeframe: candle.TF1m,
		OpenTimeMs: openMs, CloseTimeMs: openMs + tfMs - 1,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		IsClosed: true, Source: candle.SourceLive,
	}
}

func TestOrchestrator_RunLive_PersistsAndEmitsEvents(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", queue: []candle.Candle{
		closedTestCandle("kraken", 0),
		closedTestCandle("kraken", candle.TF1m.Millis()),
	}}
	w := writer.New(t.TempDir())
	sink := &fakeSink{}
	switches := ops.NewSwitchManager([]string{"kraken"})
	rtr, err := router.New(router.BestEffort, nil)
	if err != nil {
		t.Fatal(err)
	}

	venues := map[string]*VenueRuntime{
		"kraken": {Name: "kraken", Adapter: adapter, Symbols: []string{"BTC-USD"}, WSTimeframes: []candle.Timeframe{candle.TF1m}},
	}

	o := New(venues, validator.NewRegistry(5), w, nil, sink, switches, rtr, zerolog.Nop(), Options{
		HeartbeatInterval: time.Hour,
		KillSwitchPath:    t.TempDir() + "/kill.txt",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	code := o.RunLive(ctx)
	if code != ExitInterrupted {
		t.Fatalf("expected ExitInterrupted on context timeout, got %v", code)
	}

	sink.mu.Lock()
	n := len(sink.inserted)
	sink.mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one candle_closed event inserted")
	}
}

func TestOrchestrator_RunLive_SkipsDisabledVenue(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", queue: []candle.Candle{closedTestCandle("kraken", 0)}}
	w := writer.New(t.TempDir())
	sink := &fakeSink{}
	switches := ops.NewSwitchManager([]string{"kraken"})
	switches.SetVenueEnabled("kraken", false)
	rtr, _ := router.New(router.BestEffort, nil)

	venues := map[string]*VenueRuntime{
		"kraken": {Name: "kraken", Adapter: adapter, Symbols: []string{"BTC-USD"}, WSTimeframes: []candle.Timeframe{candle.TF1m}},
	}
	o := New(venues, validator.NewRegistry(5), w, nil, sink, switches, rtr, zerolog.Nop(), Options{
		HeartbeatInterval: time.Hour,
		KillSwitchPath:    t.TempDir() + "/kill.txt",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	o.RunLive(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inserted) != 0 {
		t.Fatalf("expected no events from a disabled venue, got %d", len(sink.inserted))
	}
}
