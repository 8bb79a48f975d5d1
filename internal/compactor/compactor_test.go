package compactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ingestcore/marketdata/internal/candle"
	"github.com/ingestcore/marketdata/internal/writer"
)

func closedCandle(openMs int64, close float64) candle.Candle {
	return candle.Candle{
		Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m,
		OpenTimeMs: openMs, CloseTimeMs: openMs + candle.TF1m.Millis() - 1,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1,
		IsClosed: true, Source: candle.SourceLive, IngestTimeMs: 1,
	}
}

func TestCompact_MergesDedupsAndSorts(t *testing.T) {
	root := t.TempDir()
	w := writer.New(root)

	base := int64(1_725_000_000_000)
	require.NoError(t, w.WriteBatch([]candle.Candle{closedCandle(base, 1), closedCandle(base+2*candle.TF1m.Millis(), 3)}, 1000))
	require.NoError(t, w.WriteBatch([]candle.Candle{closedCandle(base, 999), closedCandle(base+candle.TF1m.Millis(), 2)}, 2000))

	day := time.UnixMilli(base).UTC()
	dir := root + "/kraken/XBTUSD/1m/" +
		day.Format("year=2006") + "/" + day.Format("month=01") + "/" + day.Format("day=02")

	result, err := Compact(dir, "kraken", "XBTUSD", candle.TF1m, day, day.AddDate(0, 0, 2), false)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 3, result.Manifest.RowCount)
	require.Equal(t, 1, result.Manifest.DuplicatesRemoved)
	require.Equal(t, base, result.Manifest.MinTimeMs)

	rows, err := writer.ReadFile(result.Manifest.CompactedFile)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 999.0, rows[0].Close, "last-write-wins on duplicate PK")
	for i := 1; i < len(rows); i++ {
		require.Less(t, rows[i-1].OpenTimeMs, rows[i].OpenTimeMs)
	}
}

func TestCompact_SkipsPartitionFromToday(t *testing.T) {
	root := t.TempDir()
	w := writer.New(root)
	now := time.Now().UTC()
	require.NoError(t, w.WriteBatch([]candle.Candle{closedCandle(now.UnixMilli()/60000*60000, 1)}, 1000))

	dir := root + "/kraken/XBTUSD/1m/" +
		now.Format("year=2006") + "/" + now.Format("month=01") + "/" + now.Format("day=02")

	result, err := Compact(dir, "kraken", "XBTUSD", candle.TF1m, now, now, false)
	require.NoError(t, err)
	require.True(t, result.Skipped)
}

func TestCompact_SecondRunIsNoop(t *testing.T) {
	root := t.TempDir()
	w := writer.New(root)
	base := int64(1_725_000_000_000)
	require.NoError(t, w.WriteBatch([]candle.Candle{closedCandle(base, 1)}, 1000))

	day := time.UnixMilli(base).UTC()
	dir := root + "/kraken/XBTUSD/1m/" +
		day.Format("year=2006") + "/" + day.Format("month=01") + "/" + day.Format("day=02")
	future := day.AddDate(0, 0, 2)

	first, err := Compact(dir, "kraken", "XBTUSD", candle.TF1m, day, future, false)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := Compact(dir, "kraken", "XBTUSD", candle.TF1m, day, future, false)
	require.NoError(t, err)
	require.True(t, second.Skipped)
}
