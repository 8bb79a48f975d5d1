package obsmetrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ingestcore/marketdata/internal/net/circuit"
	"github.com/ingestcore/marketdata/internal/orchestrator"
)

func TestRegistry_ObserveExposesVenueGauges(t *testing.T) {
	r := New()
	r.Observe(orchestrator.Report{
		Venues: []orchestrator.VenueHealth{
			{Venue: "kraken", State: circuit.StateClosed, Received: 42, Dups: 3, QueueDepth: 2, Reconnects: 1, SaveLagMs: 500},
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `marketdata_ingest_candles_received_total{venue="kraken"} 42`) {
		t.Fatalf("expected candles_received_total gauge for kraken, got:\n%s", body)
	}
	if !strings.Contains(body, `marketdata_ingest_dup_dropped_total{venue="kraken"} 3`) {
		t.Fatalf("expected dup_dropped_total gauge for kraken, got:\n%s", body)
	}
}
