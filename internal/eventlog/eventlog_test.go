package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ingestcore/marketdata/internal/candle"
)

func openTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSink_Insert_IsIdempotentOnID(t *testing.T) {
	s := openTestSink(t)
	ev, err := candle.NewEvent("okx_trades_live", "trade", 1000, map[string]any{"price": 1})
	require.NoError(t, err)

	inserted, err := s.Insert(ev)
	require.NoError(t, err)
	require.True(t, inserted)

	insertedAgain, err := s.Insert(ev)
	require.NoError(t, err)
	require.False(t, insertedAgain)

	rows, err := s.Events(Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReplayer_SkipsExactCursorRowAndOrdersDeterministically(t *testing.T) {
	s := openTestSink(t)

	ev1, _ := candle.NewEvent("src", "trade", 1000, map[string]any{"i": 1})
	ev2, _ := candle.NewEvent("src", "trade", 1000, map[string]any{"i": 2})
	ev3, _ := candle.NewEvent("src", "trade", 2000, map[string]any{"i": 3})
	for _, ev := range []candle.Event{ev1, ev2, ev3} {
		_, err := s.Insert(ev)
		require.NoError(t, err)
	}

	// ev1 and ev2 share ts_ms, so the id breaks the tie: put the cursor on
	// whichever of them sorts first so the other one is still ahead of it.
	cursorEv := ev1
	if ev2.ID < ev1.ID {
		cursorEv = ev2
	}
	require.NoError(t, s.CommitCursor("downstream", cursorEv.TsMs, cursorEv.ID, 5000))

	r, err := NewReplayer(s, ReplayConfig{CursorName: "downstream", ChunkSize: 100})
	require.NoError(t, err)

	events, err := r.Next()
	require.NoError(t, err)

	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	require.NotContains(t, ids, cursorEv.ID, "exact cursor row must be skipped")
	require.Len(t, events, 2)
	require.True(t, events[0].TsMs <= events[1].TsMs)
}

func TestReplayer_CrashResume(t *testing.T) {
	s := openTestSink(t)

	var events []candle.Event
	for i := 0; i < 10; i++ {
		ev, err := candle.NewEvent("src", "trade", int64(1000+i), map[string]any{"i": i})
		require.NoError(t, err)
		_, err = s.Insert(ev)
		require.NoError(t, err)
		events = append(events, ev)
	}

	r, err := NewReplayer(s, ReplayConfig{CursorName: "c1", ChunkSize: 100})
	require.NoError(t, err)
	batch, err := r.Next()
	require.NoError(t, err)
	require.Len(t, batch, 10)

	for _, ev := range batch[:4] {
		require.NoError(t, r.Commit(ev, 9999))
	}
	// simulate crash: new replayer reloads the cursor from the sink
	resumed, err := NewReplayer(s, ReplayConfig{CursorName: "c1", ChunkSize: 100})
	require.NoError(t, err)
	remaining, err := resumed.Next()
	require.NoError(t, err)
	require.Len(t, remaining, 6)
	require.Equal(t, batch[4].ID, remaining[0].ID)
}
