// Package validator implements the per-stream dedup/ordering ring buffer
// (spec §4.2), adapted in spirit from cryptorun's provider-health dedup
// counters but built fresh: the teacher has no direct ring-buffer analogue,
// so the buffer and admission rules below are grounded directly on the
// spec's stated algorithm, in the teacher's style of small owned structs
// with explicit metrics fields rather than hidden globals.
package validator

import (
	"sort"
	"sync"
	"time"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Outcome classifies what admit() did with an incoming candle, for logging
// and metrics.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeLateDrop  Outcome = "late_out_of_window"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReplaced  Outcome = "replaced"
)

// Metrics mirrors the counters named in spec §4.2.
type Metrics struct {
	CandlesReceived     int64
	DupDropped          int64
	QueueDepth          int64
	OutOfOrderDropped   int64
	Rejected            int64
	LastSaveMs          int64
}

type bufEntry struct {
	candle      candle.Candle
	contentHash string
}

// Stream holds the ring buffer and watermark for a single
// (venue, symbol, timeframe) stream.
type Stream struct {
	mu sync.Mutex

	window int
	tfMs   int64

	buf                  []bufEntry
	lastEmittedOpenTimeMs int64
	hasEmitted           bool

	metrics Metrics
}

// NewStream builds a validator for one stream with ring-buffer width window
// (spec default W=5).
func NewStream(tf candle.Timeframe, window int) *Stream {
	if window <= 0 {
		window = 5
	}
	return &Stream{window: window, tfMs: tf.Millis()}
}

// Admit runs the admission rules from spec §4.2 on one incoming candle and
// returns the outcome plus any candles the buffer can now emit in
// open_time_ms order.
func (s *Stream) Admit(c candle.Candle, contentHash string) (Outcome, []candle.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.CandlesReceived++

	if err := c.Validate(); err != nil {
		s.metrics.Rejected++
		return OutcomeRejected, nil
	}

	if s.hasEmitted && c.OpenTimeMs <= s.lastEmittedOpenTimeMs-int64(s.window)*s.tfMs {
		s.metrics.OutOfOrderDropped++
		return OutcomeLateDrop, nil
	}

	for i, e := range s.buf {
		if e.candle.OpenTimeMs == c.OpenTimeMs {
			if e.contentHash == contentHash {
				s.metrics.DupDropped++
				return OutcomeDuplicate, nil
			}
			s.buf[i] = bufEntry{candle: c, contentHash: contentHash}
			s.metrics.QueueDepth = int64(len(s.buf))
			return OutcomeReplaced, s.drain()
		}
	}

	s.insertSorted(bufEntry{candle: c, contentHash: contentHash})
	s.metrics.QueueDepth = int64(len(s.buf))
	return OutcomeAccepted, s.drain()
}

func (s *Stream) insertSorted(e bufEntry) {
	i := sort.Search(len(s.buf), func(i int) bool {
		return s.buf[i].candle.OpenTimeMs >= e.candle.OpenTimeMs
	})
	s.buf = append(s.buf, bufEntry{})
	copy(s.buf[i+1:], s.buf[i:])
	s.buf[i] = e
}

// drain emits every candle at the front of the buffer that is closed and
// whose close_time_ms has passed, advancing the watermark, and returns them
// in open_time_ms order.
func (s *Stream) drain() []candle.Candle {
	var out []candle.Candle
	nowMs := time.Now().UnixMilli()
	for len(s.buf) > 0 {
		front := s.buf[0]
		if !front.candle.IsClosed || front.candle.CloseTimeMs >= nowMs {
			break
		}
		out = append(out, front.candle)
		s.lastEmittedOpenTimeMs = front.candle.OpenTimeMs
		s.hasEmitted = true
		s.buf = s.buf[1:]
	}
	s.metrics.QueueDepth = int64(len(s.buf))
	return out
}

// Flush emits every is_closed=true candle still buffered, regardless of
// close_time_ms, for graceful shutdown (spec §4.2 "Flush").
func (s *Stream) Flush() []candle.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []candle.Candle
	var kept []bufEntry
	for _, e := range s.buf {
		if e.candle.IsClosed {
			out = append(out, e.candle)
		} else {
			kept = append(kept, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTimeMs < out[j].OpenTimeMs })
	if len(out) > 0 {
		s.lastEmittedOpenTimeMs = out[len(out)-1].OpenTimeMs
		s.hasEmitted = true
	}
	s.buf = kept
	s.metrics.QueueDepth = int64(len(s.buf))
	return out
}

// Metrics returns a snapshot of this stream's counters.
func (s *Stream) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// NoteSaved records the wall-clock time (ms) of the most recent successful
// write, for the last_save_ms metric.
func (s *Stream) NoteSaved(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.LastSaveMs = nowMs
}

// Registry owns one Stream per (venue, symbol, timeframe) key, created on
// first use.
type Registry struct {
	mu      sync.Mutex
	window  int
	streams map[candle.StreamKey]*Stream
}

// NewRegistry builds a Registry using window as every stream's ring-buffer
// width.
func NewRegistry(window int) *Registry {
	return &Registry{window: window, streams: make(map[candle.StreamKey]*Stream)}
}

// Stream returns (creating if necessary) the Stream for key.
func (r *Registry) Stream(key candle.StreamKey) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	if !ok {
		s = NewStream(key.Timeframe, r.window)
		r.streams[key] = s
	}
	return s
}

// All returns every stream currently tracked, for flush-on-shutdown and
// health reporting.
func (r *Registry) All() map[candle.StreamKey]*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[candle.StreamKey]*Stream, len(r.streams))
	for k, v := range r.streams {
		out[k] = v
	}
	return out
}
