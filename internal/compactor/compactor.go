// Package compactor merges a partition's small append files into one
// deduplicated, sorted file with a verified manifest (spec §4.5), following
// compaction/compactor.py's ParquetCompactor.compact_partition: dedupe
// keeping the last occurrence, stable sort by open_time_ms, write-verify-hash
// before an atomic rename, then a manifest recording row count, time bounds,
// sha256, and source files. The merge-then-verify-then-rename sequencing also
// matches the teacher's internal/artifacts/gc Planner/apply split,
// narrowed here to a single partition's worth of work since compaction has
// no cross-family retention policy to plan. The manifest write goes through
// internal/io's atomic JSON writer rather than a second hand-rolled
// temp-then-rename.
package compactor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ingestcore/marketdata/internal/candle"
	ingestio "github.com/ingestcore/marketdata/internal/io"
	"github.com/ingestcore/marketdata/internal/writer"
)

// Manifest is written alongside the compacted file, per spec §4.5 step 10.
type Manifest struct {
	Venue             string   `json:"venue"`
	Symbol            string   `json:"symbol"`
	Timeframe         string   `json:"timeframe"`
	Partition         string   `json:"partition"`
	RowCount          int      `json:"row_count"`
	MinTimeMs         int64    `json:"min_time_ms"`
	MaxTimeMs         int64    `json:"max_time_ms"`
	SHA256            string   `json:"sha256"`
	SourceFiles       []string `json:"source_files"`
	DuplicatesRemoved int      `json:"duplicates_removed"`
	CompactedFile     string   `json:"compacted_file"`
}

// Result summarizes one Compact call for logging/metrics.
type Result struct {
	Skipped   bool
	Manifest  Manifest
}

// Compact merges every append file in dir for one (venue, symbol,
// timeframe) partition, per the procedure in spec §4.5. now is the
// wall-clock time used for the "strictly older than the current day"
// eligibility check; force bypasses it.
func Compact(dir, venue, symbol string, tf candle.Timeframe, partitionDay time.Time, now time.Time, force bool) (Result, error) {
	if !force && !isEligible(partitionDay, now) {
		return Result{Skipped: true}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Skipped: true}, nil
		}
		return Result{}, fmt.Errorf("compactor: read dir %s: %w", dir, err)
	}

	hasCompacted := false
	appendFileCount := 0
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir(), name == "_manifest.json", filepath.Ext(name) == ".tmp":
			continue
		case len(name) >= len("part-compacted-") && name[:len("part-compacted-")] == "part-compacted-":
			hasCompacted = true
		default:
			appendFileCount++
		}
	}
	if hasCompacted && appendFileCount == 0 {
		// spec §4.5 step 2: a single compacted file with nothing left to
		// merge is a no-op.
		return Result{Skipped: true}, nil
	}

	candles, sourceFiles, err := writer.ReadPartitionCandles(dir)
	if err != nil {
		return Result{}, fmt.Errorf("compactor: read partition candles: %w", err)
	}
	if len(candles) == 0 {
		return Result{Skipped: true}, nil
	}

	totalRows := len(candles)
	deduped := dedupKeepLast(candles)
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].OpenTimeMs < deduped[j].OpenTimeMs })

	minOpen := deduped[0].OpenTimeMs
	maxOpen := deduped[len(deduped)-1].OpenTimeMs

	tmpPath, err := writer.WriteCompactedFile(dir, deduped, minOpen)
	if err != nil {
		return Result{}, fmt.Errorf("compactor: write compacted file: %w", err)
	}

	verifiedRows, sum, err := verifyCompactedFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("compactor: verify compacted file: %w", err)
	}
	if verifiedRows != len(deduped) {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("compactor: row count mismatch after write: got %d want %d", verifiedRows, len(deduped))
	}

	finalName := fmt.Sprintf("part-compacted-%d.parquet", minOpen)
	finalPath := filepath.Join(dir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("compactor: atomic rename: %w", err)
	}

	for _, f := range sourceFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return Result{}, fmt.Errorf("compactor: unlink source file %s: %w", f, err)
		}
	}

	manifest := Manifest{
		Venue: venue, Symbol: symbol, Timeframe: string(tf),
		Partition:         dir,
		RowCount:          len(deduped),
		MinTimeMs:         minOpen,
		MaxTimeMs:         maxOpen,
		SHA256:            sum,
		SourceFiles:       sourceFiles,
		DuplicatesRemoved: totalRows - len(deduped),
		CompactedFile:     finalPath,
	}
	if err := writeManifest(dir, manifest); err != nil {
		return Result{}, fmt.Errorf("compactor: write manifest: %w", err)
	}

	return Result{Manifest: manifest}, nil
}

// isEligible enforces "only partitions strictly older than the current
// wall-clock day" from spec §4.5.
func isEligible(partitionDay, now time.Time) bool {
	py, pm, pd := partitionDay.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	if py != ny {
		return py < ny
	}
	if pm != nm {
		return pm < nm
	}
	return pd < nd
}

// dedupKeepLast drops duplicate PKs, keeping the last occurrence in input
// order, per spec §4.5 step 4.
func dedupKeepLast(candles []candle.Candle) []candle.Candle {
	byOpen := make(map[int64]candle.Candle, len(candles))
	order := make([]int64, 0, len(candles))
	for _, c := range candles {
		if _, seen := byOpen[c.OpenTimeMs]; !seen {
			order = append(order, c.OpenTimeMs)
		}
		byOpen[c.OpenTimeMs] = c
	}
	out := make([]candle.Candle, 0, len(order))
	for _, openMs := range order {
		out = append(out, byOpen[openMs])
	}
	return out
}

func verifyCompactedFile(path string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	sum := sha256.Sum256(data)

	rows, err := writer.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	return len(rows), hex.EncodeToString(sum[:]), nil
}

func writeManifest(dir string, m Manifest) error {
	return ingestio.WriteJSONAtomic(filepath.Join(dir, "_manifest.json"), m)
}
