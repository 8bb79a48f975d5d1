// Package eventlog implements the restart-safe event sink and replay
// cursor (spec §4.7), the default embedded backend grounded on
// RohanRaikwar-algo-sys-v1's backend/internal/store/sqlite/writer.go: WAL
// journal mode, synchronous=NORMAL, and a single-writer connection pool
// (db.SetMaxOpenConns(1)), adapted from its candle-batch insert shape to
// the insert-or-ignore event/cursor schema this core needs.
package eventlog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Sink is the append-only event store and replay cursor table, backed by
// an embedded SQLite database opened in WAL mode with a single writer
// connection.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite-backed sink at path.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id            TEXT PRIMARY KEY,
			ts_ms         INTEGER NOT NULL,
			source        TEXT NOT NULL,
			event_type    TEXT NOT NULL,
			payload_json  TEXT NOT NULL,
			content_hash  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_source_type ON events(source, event_type);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms);

		CREATE TABLE IF NOT EXISTS replay_cursors (
			name           TEXT PRIMARY KEY,
			last_ts_ms     INTEGER NOT NULL,
			last_event_id  TEXT NOT NULL,
			updated_ts_ms  INTEGER NOT NULL
		);
	`)
	return err
}

// Insert appends ev with insert-or-ignore-on-id semantics (spec §4.7).
// Returns true if the row was newly inserted, false if it was already
// present (idempotent replay).
func (s *Sink) Insert(ev candle.Event) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (id, ts_ms, source, event_type, payload_json, content_hash) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TsMs, ev.Source, ev.EventType, ev.PayloadJSON, ev.ContentHash,
	)
	if err != nil {
		return false, fmt.Errorf("eventlog: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("eventlog: rows affected: %w", err)
	}
	return n > 0, nil
}

// CommitCursor atomically upserts (name, last_ts_ms, last_event_id,
// now_ms), the step a replayer performs after successfully processing an
// event (spec §4.7).
func (s *Sink) CommitCursor(name string, lastTsMs int64, lastEventID string, nowMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO replay_cursors (name, last_ts_ms, last_event_id, updated_ts_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_ts_ms=excluded.last_ts_ms, last_event_id=excluded.last_event_id, updated_ts_ms=excluded.updated_ts_ms
	`, name, lastTsMs, lastEventID, nowMs)
	if err != nil {
		return fmt.Errorf("eventlog: commit cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the persisted cursor for name, or (0, "", false) if
// none exists yet.
func (s *Sink) LoadCursor(name string) (candle.ReplayCursor, bool, error) {
	var c candle.ReplayCursor
	c.Name = name
	err := s.db.QueryRow(
		`SELECT last_ts_ms, last_event_id, updated_ts_ms FROM replay_cursors WHERE name = ?`, name,
	).Scan(&c.LastTsMs, &c.LastEventID, &c.UpdatedTsMs)
	if err == sql.ErrNoRows {
		return candle.ReplayCursor{Name: name}, false, nil
	}
	if err != nil {
		return candle.ReplayCursor{}, false, fmt.Errorf("eventlog: load cursor: %w", err)
	}
	return c, true, nil
}

// Query implements the optional read-only query API (spec §6): events
// filtered by source/event_type/time range, ordered by (ts_ms, id) ascending
// or, with Descending, descending, and limited to at most 50000 rows. There
// is no offset.
type Query struct {
	Source, EventType string
	TsMinMs, TsMaxMs  int64
	Limit             int
	Descending        bool
}

// Events runs a filtered read over the events table.
func (s *Sink) Events(q Query) ([]candle.Event, error) {
	if q.Limit <= 0 || q.Limit > 50000 {
		q.Limit = 50000
	}
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	sqlText := fmt.Sprintf(`
		SELECT id, ts_ms, source, event_type, payload_json, content_hash FROM events
		WHERE (? = '' OR source = ?) AND (? = '' OR event_type = ?)
		AND (? = 0 OR ts_ms >= ?) AND (? = 0 OR ts_ms <= ?)
		ORDER BY ts_ms %s, id %s
		LIMIT ?`, order, order)

	rows, err := s.db.Query(sqlText,
		q.Source, q.Source, q.EventType, q.EventType,
		q.TsMinMs, q.TsMinMs, q.TsMaxMs, q.TsMaxMs, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer rows.Close()

	var out []candle.Event
	for rows.Next() {
		var e candle.Event
		if err := rows.Scan(&e.ID, &e.TsMs, &e.Source, &e.EventType, &e.PayloadJSON, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// eventsFromCursor streams rows with ts_ms >= cursor.last_ts_ms ordered by
// (ts_ms asc, id asc), skipping the exact cursor row per spec §4.7.
func (s *Sink) eventsFromCursor(c candle.ReplayCursor, limit int) ([]candle.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, ts_ms, source, event_type, payload_json, content_hash FROM events
		WHERE ts_ms >= ?
		ORDER BY ts_ms ASC, id ASC
		LIMIT ?`, c.LastTsMs, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query replay window: %w", err)
	}
	defer rows.Close()

	var out []candle.Event
	for rows.Next() {
		var e candle.Event
		if err := rows.Scan(&e.ID, &e.TsMs, &e.Source, &e.EventType, &e.PayloadJSON, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("eventlog: scan replay row: %w", err)
		}
		if !c.After(e.TsMs, e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Sink) Close() error { return s.db.Close() }
