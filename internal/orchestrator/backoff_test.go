package orchestrator

import (
	"testing"
	"time"
)

func TestBackoff_StaysWithinJitterBoundsAndCaps(t *testing.T) {
	b := newBackoff()
	var prevBase time.Duration = 2 * time.Second
	for i := 0; i < 20; i++ {
		d := b.Next()
		lower := time.Duration(float64(prevBase) * 0.8)
		upper := time.Duration(float64(prevBase) * 1.2)
		if d < lower || d > upper {
			t.Fatalf("iteration %d: delay %v outside jitter bounds [%v,%v] of base %v", i, d, lower, upper, prevBase)
		}
		prevBase = time.Duration(float64(prevBase) * 1.5)
		if prevBase > 60*time.Second {
			prevBase = 60 * time.Second
		}
	}
}

func TestBackoff_ResetReturnsToInitial(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
		t.Fatalf("expected delay near initial 2s after reset, got %v", d)
	}
}
