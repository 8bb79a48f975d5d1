package eventlog

import (
	"fmt"

	"github.com/ingestcore/marketdata/internal/candle"
)

// ReplayConfig configures a Replayer, per spec §4.7.
type ReplayConfig struct {
	CursorName string
	ChunkSize  int // 1-10000
	MaxEvents  int // 0 = unbounded
}

// Replayer streams events after a named cursor, yielding one at a time and
// committing the cursor only after the caller confirms processing.
type Replayer struct {
	sink   *Sink
	cfg    ReplayConfig
	cursor candle.ReplayCursor
	yielded int
}

// NewReplayer loads the named cursor (or starts from zero) and validates
// chunk_size, per spec §4.7.
func NewReplayer(sink *Sink, cfg ReplayConfig) (*Replayer, error) {
	if cfg.ChunkSize < 1 || cfg.ChunkSize > 10000 {
		return nil, fmt.Errorf("eventlog: chunk_size must be 1-10000, got %d", cfg.ChunkSize)
	}
	cursor, _, err := sink.LoadCursor(cfg.CursorName)
	if err != nil {
		return nil, err
	}
	return &Replayer{sink: sink, cfg: cfg, cursor: cursor}, nil
}

// Next returns the next chunk of events strictly after the current cursor
// position, ordered (ts_ms asc, id asc), honoring max_events. An empty,
// nil-error result means replay is caught up.
func (r *Replayer) Next() ([]candle.Event, error) {
	if r.cfg.MaxEvents > 0 && r.yielded >= r.cfg.MaxEvents {
		return nil, nil
	}

	limit := r.cfg.ChunkSize
	if r.cfg.MaxEvents > 0 {
		remaining := r.cfg.MaxEvents - r.yielded
		if remaining < limit {
			limit = remaining
		}
	}

	events, err := r.sink.eventsFromCursor(r.cursor, limit)
	if err != nil {
		return nil, err
	}
	r.yielded += len(events)
	return events, nil
}

// Commit advances and persists the cursor to ev, invoked by the caller
// after it finishes processing ev (spec §4.7 commit_cursor).
func (r *Replayer) Commit(ev candle.Event, nowMs int64) error {
	if err := r.sink.CommitCursor(r.cfg.CursorName, ev.TsMs, ev.ID, nowMs); err != nil {
		return err
	}
	r.cursor = candle.ReplayCursor{Name: r.cfg.CursorName, LastTsMs: ev.TsMs, LastEventID: ev.ID, UpdatedTsMs: nowMs}
	return nil
}

// Cursor returns the replayer's current in-memory cursor position.
func (r *Replayer) Cursor() candle.ReplayCursor { return r.cursor }
