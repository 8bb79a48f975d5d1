package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ingestcore/marketdata/internal/candle"
	"github.com/ingestcore/marketdata/internal/eventlog"
)

func TestHandleEvents_ReturnsEnvelopeWithCorrelationID(t *testing.T) {
	sink, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	ev, err := candle.NewEvent("kraken", "candle_closed", 1000, map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Insert(ev); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Addr: "127.0.0.1:0", Sink: sink}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?source=kraken", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("expected a correlation id header")
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Count != 1 {
		t.Fatalf("expected count=1, got %d", env.Count)
	}
	if env.CorrelationID == "" {
		t.Fatal("expected correlation_id in body")
	}
}

func TestHandleEvents_RejectsLimitAboveCap(t *testing.T) {
	sink, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	s, err := New(Config{Addr: "127.0.0.1:0", Sink: sink}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?limit=50001", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit over cap, got %d", w.Code)
	}
}

func TestNotFound_ReturnsErrorEnvelope(t *testing.T) {
	sink, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	s, err := New(Config{Addr: "127.0.0.1:0", Sink: sink}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
