package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Allow_BurstIsTwiceRate(t *testing.T) {
	l := NewLimiter(2.0) // burst should be 4

	allowed := 0
	for i := 0; i < 4; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 4 {
		t.Fatalf("expected all 4 burst tokens to be allowed, got %d", allowed)
	}
	if l.Allow() {
		t.Fatal("5th request should be blocked once the burst is exhausted")
	}
}

func TestLimiter_Wait_BurstPlusOneDelaysByOneOverRate(t *testing.T) {
	l := NewLimiter(10.0) // burst=20, 1/rate = 100ms

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("unexpected error draining burst: %v", err)
		}
	}

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	want := 100 * time.Millisecond
	if elapsed < want-30*time.Millisecond || elapsed > want+100*time.Millisecond {
		t.Errorf("21st call should delay ~%v, took %v", want, elapsed)
	}
}

func TestLimiter_ReportTooManyRequests_DecaysCapacity(t *testing.T) {
	l := NewLimiter(5.0)
	if !l.Allow() {
		t.Fatal("first call should be allowed")
	}
	l.ReportTooManyRequests()

	if l.Allow() {
		t.Fatal("calls immediately after a 429 report should be throttled")
	}
}

func TestManager_Wait_UnregisteredVenueIsUnthrottled(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Wait(ctx, "unknown"); err != nil {
		t.Fatalf("unregistered venue should not block: %v", err)
	}
}

func TestManager_AddVenue_IsolatesBuckets(t *testing.T) {
	m := NewManager()
	m.AddVenue("kraken", 1.0)
	m.AddVenue("okx", 1.0)

	kraken, ok := m.Get("kraken")
	if !ok {
		t.Fatal("kraken limiter should be registered")
	}
	okx, ok := m.Get("okx")
	if !ok {
		t.Fatal("okx limiter should be registered")
	}

	for i := 0; i < 2; i++ {
		kraken.Allow()
	}
	if kraken.Allow() {
		t.Error("kraken bucket should be drained")
	}
	if !okx.Allow() {
		t.Error("okx bucket should be independent of kraken's")
	}
}
