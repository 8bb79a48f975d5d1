package eventlog

import (
	"context"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Backend is the common contract the orchestrator and router use to talk
// to an event sink, satisfied by the embedded SQLite Sink (via
// SQLiteBackend) and by internal/eventlog/postgres.Sink. Keeping this
// context-first lets the Postgres backend cancel/time out a query without
// forcing the embedded SQLite path, which has no network to time out on,
// to pretend it needs one.
type Backend interface {
	Insert(ctx context.Context, ev candle.Event) (bool, error)
	CommitCursor(ctx context.Context, name string, lastTsMs int64, lastEventID string, nowMs int64) error
	LoadCursor(ctx context.Context, name string) (candle.ReplayCursor, bool, error)
}

// SQLiteBackend adapts the embedded *Sink's synchronous methods to
// Backend; ctx is accepted for interface parity but unused since the
// embedded driver has no network round trip to cancel.
type SQLiteBackend struct {
	*Sink
}

func (b SQLiteBackend) Insert(_ context.Context, ev candle.Event) (bool, error) {
	return b.Sink.Insert(ev)
}

func (b SQLiteBackend) CommitCursor(_ context.Context, name string, lastTsMs int64, lastEventID string, nowMs int64) error {
	return b.Sink.CommitCursor(name, lastTsMs, lastEventID, nowMs)
}

func (b SQLiteBackend) LoadCursor(_ context.Context, name string) (candle.ReplayCursor, bool, error) {
	return b.Sink.LoadCursor(name)
}
