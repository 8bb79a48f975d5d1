package candle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Event is a record accepted by the event sink for downstream replay.
type Event struct {
	ID          string `json:"id" db:"id"`
	TsMs        int64  `json:"ts_ms" db:"ts_ms"`
	Source      string `json:"source" db:"source"`
	EventType   string `json:"event_type" db:"event_type"`
	PayloadJSON string `json:"payload_json" db:"payload_json"`
	ContentHash string `json:"content_hash" db:"content_hash"`
}

// NewEvent computes content_hash and id (sha256(source:ts_ms:content_hash))
// from the supplied payload, canonicalizing it to JSON first.
func NewEvent(source, eventType string, tsMs int64, payload any) (Event, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return Event{}, fmt.Errorf("candle: canonicalize event payload: %w", err)
	}
	contentHash := sha256Hex([]byte(canon))
	id := sha256Hex([]byte(fmt.Sprintf("%s:%d:%s", source, tsMs, contentHash)))
	return Event{
		ID:          id,
		TsMs:        tsMs,
		Source:      source,
		EventType:   eventType,
		PayloadJSON: canon,
		ContentHash: contentHash,
	}, nil
}

// canonicalJSON marshals v with sorted map keys so that semantically
// identical payloads always hash the same way. encoding/json already sorts
// map[string]any keys; for struct payloads, field order in the struct
// definition is the canonical order.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ReplayCursor marks the last event successfully processed by a named
// consumer, ordered by (ts_ms asc, id asc).
type ReplayCursor struct {
	Name        string `json:"name" db:"name"`
	LastTsMs    int64  `json:"last_ts_ms" db:"last_ts_ms"`
	LastEventID string `json:"last_event_id" db:"last_event_id"`
	UpdatedTsMs int64  `json:"updated_ts_ms" db:"updated_ts_ms"`
}

// After reports whether the event (tsMs, id) is strictly after this cursor
// position, i.e. whether the replayer should yield it.
func (c ReplayCursor) After(tsMs int64, id string) bool {
	if tsMs != c.LastTsMs {
		return tsMs > c.LastTsMs
	}
	return id > c.LastEventID
}
