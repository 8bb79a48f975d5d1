package orchestrator

import (
	"time"

	"github.com/ingestcore/marketdata/internal/net/circuit"
	"github.com/ingestcore/marketdata/internal/validator"
)

// VenueHealth is one venue's line in the 30s health report (spec §4.9):
// state, recv, saved, save_lag, queue_depth, dups, reconnects.
type VenueHealth struct {
	Venue       string        `json:"venue"`
	State       circuit.State `json:"state"`
	Received    int64         `json:"received"`
	Saved       int64         `json:"saved"`
	SaveLagMs   int64         `json:"save_lag_ms"`
	QueueDepth  int64         `json:"queue_depth"`
	Dups        int64         `json:"dups"`
	Reconnects  int64         `json:"reconnects"`
}

// Report is a single health-report emission.
type Report struct {
	AtMs   int64         `json:"at_ms"`
	Venues []VenueHealth `json:"venues"`
}

// venueHealthFromStreams aggregates every stream's validator.Metrics
// belonging to venue into one VenueHealth line. nowMs is used to compute
// save_lag_ms when a stream has saved at least once.
func venueHealthFromStreams(venue string, state circuit.State, reconnects int64, streams []*validator.Stream, nowMs int64) VenueHealth {
	h := VenueHealth{Venue: venue, State: state, Reconnects: reconnects}
	var maxLastSave int64
	for _, s := range streams {
		m := s.Metrics()
		h.Received += m.CandlesReceived
		h.Saved += m.CandlesReceived - m.Rejected - m.DupDropped - m.OutOfOrderDropped
		h.QueueDepth += m.QueueDepth
		h.Dups += m.DupDropped
		if m.LastSaveMs > maxLastSave {
			maxLastSave = m.LastSaveMs
		}
	}
	if maxLastSave > 0 {
		h.SaveLagMs = nowMs - maxLastSave
	}
	return h
}

func nowMs() int64 { return time.Now().UnixMilli() }
