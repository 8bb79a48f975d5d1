// Package writer implements the partitioned columnar candle store (spec
// §4.4): atomic Parquet writes under a sanitized hive-style path, plus the
// last_open_time_ms/existing_open_times readback API the gap detector and
// backfill scheduler depend on. Writes follow the same tmp-file-then-rename
// discipline as internal/io's atomic helpers, hand-rolled here rather than
// calling them because parquet-go streams row groups into an io.Writer and
// internal/io's helpers take a finished []byte/value, not a streaming
// target. Encoding itself uses github.com/parquet-go/parquet-go since the
// teacher's own internal/data/cold/parquet_store.go is an explicit
// CSV-bridge stub with no real Arrow/Parquet integration (see DESIGN.md).
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ingestcore/marketdata/internal/candle"
)

// parquetRow mirrors candle.Candle with parquet struct tags; kept as its
// own type so the on-disk schema (§9 "Arrow schema stability") is declared
// once, independent of any future additions to the in-memory Candle type.
type parquetRow struct {
	Venue       string  `parquet:"venue"`
	Symbol      string  `parquet:"symbol"`
	Timeframe   string  `parquet:"timeframe"`
	OpenTimeMs  int64   `parquet:"open_time_ms"`
	CloseTimeMs int64   `parquet:"close_time_ms"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	QuoteVolume *float64 `parquet:"quote_volume,optional"`
	VWAP        *float64 `parquet:"vwap,optional"`
	TradesCount *int64   `parquet:"trades_count,optional"`
	VolCcy      *float64 `parquet:"vol_ccy,optional"`
	VolCcyQuote *float64 `parquet:"vol_ccy_quote,optional"`
	IsClosed     bool   `parquet:"is_closed"`
	Source       string `parquet:"source"`
	IngestTimeMs int64  `parquet:"ingest_time_ms"`
}

func toRow(c candle.Candle) parquetRow {
	return parquetRow{
		Venue: c.Venue, Symbol: c.Symbol, Timeframe: string(c.Timeframe),
		OpenTimeMs: c.OpenTimeMs, CloseTimeMs: c.CloseTimeMs,
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		QuoteVolume: c.QuoteVolume, VWAP: c.VWAP, TradesCount: c.TradesCount,
		VolCcy: c.VolCcy, VolCcyQuote: c.VolCcyQuote,
		IsClosed: c.IsClosed, Source: string(c.Source), IngestTimeMs: c.IngestTimeMs,
	}
}

func fromRow(r parquetRow) candle.Candle {
	return candle.Candle{
		Venue: r.Venue, Symbol: r.Symbol, Timeframe: candle.Timeframe(r.Timeframe),
		OpenTimeMs: r.OpenTimeMs, CloseTimeMs: r.CloseTimeMs,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		QuoteVolume: r.QuoteVolume, VWAP: r.VWAP, TradesCount: r.TradesCount,
		VolCcy: r.VolCcy, VolCcyQuote: r.VolCcyQuote,
		IsClosed: r.IsClosed, Source: candle.Source(r.Source), IngestTimeMs: r.IngestTimeMs,
	}
}

// Stats reports the health-monitor counters mentioned in §4.4 step 3.
type Stats struct {
	CandlesWritten int64
	LastSaveTimeMs int64
}

// Writer persists closed candles into the partitioned Parquet layout.
type Writer struct {
	root string

	mu    sync.Mutex
	stats Stats
}

// New builds a Writer rooted at root.
func New(root string) *Writer {
	return &Writer{root: root}
}

// sanitizeIdent rejects path traversal, separators, and control bytes in
// any identifier used to build a partition path (spec §9).
func sanitizeIdent(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("writer: empty path identifier")
	}
	if len(s) > 128 {
		return "", fmt.Errorf("writer: identifier %q exceeds max length", s)
	}
	if strings.Contains(s, "..") || strings.ContainsAny(s, "/\\\x00") {
		return "", fmt.Errorf("writer: unsafe path identifier %q", s)
	}
	for _, r := range s {
		if r < 0x20 {
			return "", fmt.Errorf("writer: control byte in identifier %q", s)
		}
	}
	return s, nil
}

// partitionDir returns the sanitized directory for one candle's partition.
func (w *Writer) partitionDir(venue, symbol string, tf candle.Timeframe, openTimeMs int64) (string, error) {
	v, err := sanitizeIdent(venue)
	if err != nil {
		return "", err
	}
	s, err := sanitizeIdent(symbol)
	if err != nil {
		return "", err
	}
	t, err := sanitizeIdent(string(tf))
	if err != nil {
		return "", err
	}
	day := time.UnixMilli(openTimeMs).UTC()
	return filepath.Join(w.root, v, s, t,
		fmt.Sprintf("year=%04d", day.Year()),
		fmt.Sprintf("month=%02d", day.Month()),
		fmt.Sprintf("day=%02d", day.Day()),
	), nil
}

// WriteBatch groups candles by destination partition and writes one
// Parquet file per partition, per spec §4.4 step 1-3. Only is_closed=true
// candles may be passed here; callers (the validator/aggregator pipeline)
// are responsible for holding unclosed bars in memory only.
func (w *Writer) WriteBatch(candles []candle.Candle, nowMs int64) error {
	groups := make(map[string][]candle.Candle)
	dirs := make(map[string]string)
	for _, c := range candles {
		if !c.IsClosed {
			return fmt.Errorf("writer: refusing to persist unclosed candle venue=%s symbol=%s open_time_ms=%d", c.Venue, c.Symbol, c.OpenTimeMs)
		}
		dir, err := w.partitionDir(c.Venue, c.Symbol, c.Timeframe, c.OpenTimeMs)
		if err != nil {
			return err
		}
		groups[dir] = append(groups[dir], c)
		dirs[dir] = dir
	}

	for dir, group := range groups {
		if err := w.writePartitionFile(dir, group, nowMs); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.stats.CandlesWritten += int64(len(candles))
	w.stats.LastSaveTimeMs = nowMs
	w.mu.Unlock()
	return nil
}

func (w *Writer) writePartitionFile(dir string, group []candle.Candle, nowMs int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("writer: mkdir %s: %w", dir, err)
	}

	finalName := fmt.Sprintf("part-%d.parquet", nowMs)
	tmpPath := filepath.Join(dir, finalName+".tmp")
	finalPath := filepath.Join(dir, finalName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writer: create tmp file: %w", err)
	}

	pw := parquet.NewGenericWriter[parquetRow](f, parquet.Compression(&parquet.Snappy))
	rows := make([]parquetRow, len(group))
	for i, c := range group {
		rows[i] = toRow(c)
	}
	if _, err := pw.Write(rows); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writer: write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writer: close parquet writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writer: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writer: close tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("writer: atomic rename: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// streamDir returns the (venue, symbol, timeframe) directory containing
// every day partition, used by the readback API to enumerate files without
// hardcoding a specific day.
func (w *Writer) streamDir(venue, symbol string, tf candle.Timeframe) (string, error) {
	v, err := sanitizeIdent(venue)
	if err != nil {
		return "", err
	}
	s, err := sanitizeIdent(symbol)
	if err != nil {
		return "", err
	}
	t, err := sanitizeIdent(string(tf))
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, v, s, t), nil
}

// LastOpenTimeMs implements the §4.4 readback API: it scans only the
// newest partition directories (most recent day= first) and returns the
// maximum open_time_ms seen, or 0 if the stream has no data yet.
func (w *Writer) LastOpenTimeMs(venue, symbol string, tf candle.Timeframe) (int64, error) {
	dirs, err := w.dayPartitionsNewestFirst(venue, symbol, tf)
	if err != nil {
		return 0, err
	}

	var max int64
	for _, dir := range dirs {
		opens, err := readOpenTimesFromDir(dir)
		if err != nil {
			return 0, err
		}
		for _, o := range opens {
			if o > max {
				max = o
			}
		}
		if max > 0 {
			// Newest non-empty partition scanned is sufficient: later
			// (older) partitions cannot contain a larger open_time_ms.
			break
		}
	}
	return max, nil
}

// ExistingOpenTimes implements the §4.4 readback API: the set of
// open_time_ms already on disk within [start, end) for one stream, used by
// backfill to skip overlap.
func (w *Writer) ExistingOpenTimes(venue, symbol string, tf candle.Timeframe, startMs, endMs int64) (map[int64]struct{}, error) {
	dirs, err := w.dayPartitionsNewestFirst(venue, symbol, tf)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]struct{})
	for _, dir := range dirs {
		opens, err := readOpenTimesFromDir(dir)
		if err != nil {
			return nil, err
		}
		for _, o := range opens {
			if o >= startMs && o < endMs {
				out[o] = struct{}{}
			}
		}
	}
	return out, nil
}

func (w *Writer) dayPartitionsNewestFirst(venue, symbol string, tf candle.Timeframe) ([]string, error) {
	base, err := w.streamDir(venue, symbol, tf)
	if err != nil {
		return nil, err
	}

	var days []string
	yearDirs, _ := os.ReadDir(base)
	for _, y := range yearDirs {
		if !y.IsDir() {
			continue
		}
		monthDirs, _ := os.ReadDir(filepath.Join(base, y.Name()))
		for _, m := range monthDirs {
			if !m.IsDir() {
				continue
			}
			dayDirs, _ := os.ReadDir(filepath.Join(base, y.Name(), m.Name()))
			for _, d := range dayDirs {
				if !d.IsDir() {
					continue
				}
				days = append(days, filepath.Join(base, y.Name(), m.Name(), d.Name()))
			}
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// readOpenTimesFromDir reads every committed (non-.tmp) Parquet file in
// dir and returns the open_time_ms of every row. Partial .tmp files from a
// crashed write are ignored per spec §4.4 "Failure handling".
func readOpenTimesFromDir(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("writer: read dir %s: %w", dir, err)
	}

	var out []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".tmp") || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		path := filepath.Join(dir, name)
		rows, err := readRows(path)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r.OpenTimeMs)
		}
	}
	return out, nil
}

func readRows(path string) ([]parquetRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("writer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("writer: open parquet file %s: %w", path, err)
	}

	reader := parquet.NewGenericReader[parquetRow](pf)
	defer reader.Close()

	rows := make([]parquetRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("writer: read rows from %s: %w", path, err)
	}
	return rows[:n], nil
}

// ReadFile reads every candle row from a single Parquet file, exported for
// the compactor's post-write verification step.
func ReadFile(path string) ([]candle.Candle, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]candle.Candle, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// ReadPartitionCandles reads every row from every committed file in dir as
// canonical candles, used by the compactor.
func ReadPartitionCandles(dir string) ([]candle.Candle, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("writer: read dir %s: %w", dir, err)
	}

	var candles []candle.Candle
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".tmp") ||
			strings.HasPrefix(name, "part-compacted-") ||
			name == "_manifest.json" ||
			!strings.HasSuffix(name, ".parquet") {
			continue
		}
		path := filepath.Join(dir, name)
		rows, err := readRows(path)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			candles = append(candles, fromRow(r))
		}
		files = append(files, path)
	}
	return candles, files, nil
}

// WriteCompactedFile writes candles, already deduplicated and sorted by
// open_time_ms, to {dir}/part-compacted-{minOpenTimeMs}.parquet.tmp and
// returns the tmp path for the caller to verify and rename.
func WriteCompactedFile(dir string, candles []candle.Candle, minOpenTimeMs int64) (string, error) {
	tmpPath := filepath.Join(dir, fmt.Sprintf("part-compacted-%s.parquet.tmp", strconv.FormatInt(minOpenTimeMs, 10)))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("writer: create compacted tmp file: %w", err)
	}

	pw := parquet.NewGenericWriter[parquetRow](f, parquet.Compression(&parquet.Snappy))
	for _, c := range candles {
		c.Source = candle.SourceCompacted
		if _, err := pw.Write([]parquetRow{toRow(c)}); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("writer: write compacted row: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writer: close compacted writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writer: fsync compacted file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}
