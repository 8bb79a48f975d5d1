// Package postgres implements the optional Postgres-backed event sink
// (SPEC_FULL DOMAIN STACK), an alternate backend to the default embedded
// SQLite sink. Adapted from cryptorun's
// internal/persistence/postgres/trades_repo.go: same sqlx.DB +
// QueryRowxContext/QueryxContext shape and *pq.Error unique-violation
// handling, narrowed from the trades schema to the events/replay_cursors
// schema from spec §4.7.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Sink is a Postgres-backed implementation of the event sink + replay
// cursor contract, for deployments that want a shared read-replica store
// instead of the default per-process embedded SQLite file.
type Sink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an already-connected *sqlx.DB. It does not create the schema
// (unlike the embedded SQLite sink, which creates its own on Open); the
// tables must exist before the sink is used.
func New(db *sqlx.DB, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{db: db, timeout: timeout}
}

// Schema is the DDL this sink expects. It is idempotent (CREATE ... IF NOT
// EXISTS); cmd/marketdata executes it before calling New.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	ts_ms        BIGINT NOT NULL,
	source       TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	content_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_source_type ON events(source, event_type);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms);

CREATE TABLE IF NOT EXISTS replay_cursors (
	name          TEXT PRIMARY KEY,
	last_ts_ms    BIGINT NOT NULL,
	last_event_id TEXT NOT NULL,
	updated_ts_ms BIGINT NOT NULL
);
`

// Insert appends ev with insert-or-ignore-on-id semantics, reporting an
// already-present id (ignored by ON CONFLICT, or a unique-violation with pq
// error code 23505) as a non-error false.
func (s *Sink) Insert(ctx context.Context, ev candle.Event) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, ts_ms, source, event_type, payload_json, content_hash) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.TsMs, ev.Source, ev.EventType, ev.PayloadJSON, ev.ContentHash)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("postgres: insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return n > 0, nil
}

// CommitCursor atomically upserts the named replay cursor.
func (s *Sink) CommitCursor(ctx context.Context, name string, lastTsMs int64, lastEventID string, nowMs int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_cursors (name, last_ts_ms, last_event_id, updated_ts_ms)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE SET last_ts_ms=excluded.last_ts_ms, last_event_id=excluded.last_event_id, updated_ts_ms=excluded.updated_ts_ms
	`, name, lastTsMs, lastEventID, nowMs)
	if err != nil {
		return fmt.Errorf("postgres: commit cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the persisted cursor for name.
func (s *Sink) LoadCursor(ctx context.Context, name string) (candle.ReplayCursor, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var c candle.ReplayCursor
	c.Name = name
	row := s.db.QueryRowxContext(ctx, `SELECT last_ts_ms, last_event_id, updated_ts_ms FROM replay_cursors WHERE name = $1`, name)
	if err := row.Scan(&c.LastTsMs, &c.LastEventID, &c.UpdatedTsMs); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return candle.ReplayCursor{Name: name}, false, nil
		}
		return candle.ReplayCursor{}, false, fmt.Errorf("postgres: load cursor: %w", err)
	}
	return c, true, nil
}

// EventsFromCursor streams rows with ts_ms >= cursor.last_ts_ms ordered by
// (ts_ms asc, id asc), filtering out the exact cursor row.
func (s *Sink) EventsFromCursor(ctx context.Context, c candle.ReplayCursor, limit int) ([]candle.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, ts_ms, source, event_type, payload_json, content_hash FROM events
		WHERE ts_ms >= $1
		ORDER BY ts_ms ASC, id ASC
		LIMIT $2`, c.LastTsMs, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query replay window: %w", err)
	}
	defer rows.Close()

	var out []candle.Event
	for rows.Next() {
		var e candle.Event
		if err := rows.Scan(&e.ID, &e.TsMs, &e.Source, &e.EventType, &e.PayloadJSON, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("postgres: scan replay row: %w", err)
		}
		if !c.After(e.TsMs, e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
