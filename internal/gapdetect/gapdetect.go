// Package gapdetect implements the cooldown-governed bounded backfill
// scheduler (spec §4.6), grounded directly on backfill/gap_detector.py's
// GapDetector/GapDetectorState: the cooldown check before anything else,
// late_cutoff_ms derived from late_grace_intervals, the lookback-window
// first-run case, and the gap/duration caps in _apply_caps. State is
// persisted through internal/io's tmp-file-then-rename helper rather than a
// hand-rolled write, the way gap_detector.py itself writes its state file
// via a temp-then-replace sequence.
package gapdetect

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ingestcore/marketdata/internal/candle"
	ingestio "github.com/ingestcore/marketdata/internal/io"
)

// Gap is an interval of missing bars, bounded by start and end (both
// inclusive open_time_ms bounds per spec's "[a, b]" notation).
type Gap struct {
	Venue, Symbol string
	Timeframe     candle.Timeframe
	StartMs       int64
	EndMs         int64
}

// Config holds the tunables enumerated under gap_detection in spec §6.
type Config struct {
	Enabled                           bool
	LookbackDays                      int
	CooldownMinutes                   int
	LateGraceIntervals                int
	MaxGapsPerStreamPerRun            int
	MaxBackfillMinutesPerStreamPerRun int
	BackfillChunkSize                 int
}

type streamState struct {
	LastBackfillMs int64 `json:"last_backfill_ms"`
}

// LastOpenTimeSource is the subset of writer.Writer the detector needs,
// kept as an interface so tests can fake it without a real partition tree.
type LastOpenTimeSource interface {
	LastOpenTimeMs(venue, symbol string, tf candle.Timeframe) (int64, error)
}

// Detector persists last_backfill_ms per stream to a JSON state file and
// computes backfill gaps on demand.
type Detector struct {
	cfg       Config
	statePath string
	writer    LastOpenTimeSource

	mu    sync.Mutex
	state map[string]streamState
}

// New builds a Detector. statePath is the file named in spec §6
// ("{root}/.gap_detector_state.json").
func New(cfg Config, statePath string, src LastOpenTimeSource) *Detector {
	return &Detector{cfg: cfg, statePath: statePath, writer: src, state: make(map[string]streamState)}
}

// Load reads the persisted state file, if present. A missing file is not
// an error (fresh install).
func (d *Detector) Load() error {
	data, err := os.ReadFile(d.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gapdetect: read state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Unmarshal(data, &d.state)
}

func (d *Detector) save() error {
	return ingestio.WriteJSONAtomic(d.statePath, d.state)
}

func streamKeyString(k candle.StreamKey) string { return k.String() }

// Detect runs the algorithm in spec §4.6 for one stream, returning the
// (capped) list of gaps to backfill. nowMs is the caller-supplied wall
// clock so tests are deterministic.
func (d *Detector) Detect(key candle.StreamKey, nowMs int64) ([]Gap, error) {
	d.mu.Lock()
	st := d.state[streamKeyString(key)]
	cooldownMs := int64(d.cfg.CooldownMinutes) * 60_000
	if st.LastBackfillMs != 0 && nowMs-st.LastBackfillMs < cooldownMs {
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	tfMs := key.Timeframe.Millis()
	lateGraceMs := int64(d.cfg.LateGraceIntervals) * tfMs
	lateCutoff := nowMs - lateGraceMs

	lastSeen, err := d.writer.LastOpenTimeMs(key.Venue, key.Symbol, key.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("gapdetect: last_open_time_ms: %w", err)
	}

	var gapStart, gapEnd int64
	var hasGap bool
	if lastSeen == 0 {
		lookbackMs := int64(d.cfg.LookbackDays) * 24 * 60 * 60_000
		gapStart = nowMs - lookbackMs
		gapEnd = lateCutoff
		hasGap = gapStart <= gapEnd
	} else if lastSeen+tfMs < lateCutoff {
		gapStart = lastSeen + tfMs
		gapEnd = lateCutoff
		hasGap = true
	}

	if !hasGap {
		return nil, nil
	}

	gaps := capGaps([]Gap{{Venue: key.Venue, Symbol: key.Symbol, Timeframe: key.Timeframe, StartMs: gapStart, EndMs: gapEnd}},
		tfMs, d.cfg.MaxGapsPerStreamPerRun, d.cfg.MaxBackfillMinutesPerStreamPerRun)

	if len(gaps) > 0 {
		d.mu.Lock()
		d.state[streamKeyString(key)] = streamState{LastBackfillMs: nowMs}
		d.mu.Unlock()
		if err := d.save(); err != nil {
			return nil, fmt.Errorf("gapdetect: persist state: %w", err)
		}
	}

	return gaps, nil
}

// capGaps truncates the gap list to maxGaps entries and the total duration
// to maxMinutes, per spec §4.6 step 6. A partial last gap is allowed.
func capGaps(gaps []Gap, tfMs int64, maxGaps, maxMinutes int) []Gap {
	if maxGaps > 0 && len(gaps) > maxGaps {
		gaps = gaps[:maxGaps]
	}
	if maxMinutes <= 0 {
		return gaps
	}
	budgetMs := int64(maxMinutes) * 60_000

	var out []Gap
	for _, g := range gaps {
		durMs := g.EndMs - g.StartMs + tfMs
		if durMs <= budgetMs {
			out = append(out, g)
			budgetMs -= durMs
			continue
		}
		if budgetMs <= 0 {
			break
		}
		// Partial last gap: keep only as much as the remaining budget
		// allows, rounded down to a whole number of timeframe intervals.
		intervals := budgetMs / tfMs
		if intervals <= 0 {
			break
		}
		out = append(out, Gap{
			Venue: g.Venue, Symbol: g.Symbol, Timeframe: g.Timeframe,
			StartMs: g.StartMs,
			EndMs:   g.StartMs + (intervals-1)*tfMs,
		})
		budgetMs = 0
		break
	}
	return out
}

// ChunkGap splits a gap into fetch_range-sized chunks bounded by
// chunkSize*tf_ms, per spec §4.6 "Execution".
func ChunkGap(g Gap, chunkSize int) []Gap {
	tfMs := g.Timeframe.Millis()
	chunkMs := int64(chunkSize) * tfMs
	if chunkMs <= 0 {
		return []Gap{g}
	}

	var out []Gap
	for start := g.StartMs; start <= g.EndMs; start += chunkMs {
		end := start + chunkMs - tfMs
		if end > g.EndMs {
			end = g.EndMs
		}
		out = append(out, Gap{Venue: g.Venue, Symbol: g.Symbol, Timeframe: g.Timeframe, StartMs: start, EndMs: end})
	}
	return out
}
