package writer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ingestcore/marketdata/internal/candle"
)

func closedCandle(openMs int64) candle.Candle {
	return candle.Candle{
		Venue: "kraken", Symbol: "XBTUSD", Timeframe: candle.TF1m,
		OpenTimeMs: openMs, CloseTimeMs: openMs + candle.TF1m.Millis() - 1,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1,
		IsClosed: true, Source: candle.SourceLive, IngestTimeMs: 1,
	}
}

func TestWriter_WriteBatch_PersistsAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)

	base := int64(1_725_000_000_000)
	batch := []candle.Candle{closedCandle(base), closedCandle(base + candle.TF1m.Millis())}

	require.NoError(t, w.WriteBatch(batch, 1000))
	require.EqualValues(t, 2, w.Stats().CandlesWritten)

	last, err := w.LastOpenTimeMs("kraken", "XBTUSD", candle.TF1m)
	require.NoError(t, err)
	require.Equal(t, base+candle.TF1m.Millis(), last)

	existing, err := w.ExistingOpenTimes("kraken", "XBTUSD", candle.TF1m, base, base+2*candle.TF1m.Millis())
	require.NoError(t, err)
	require.Len(t, existing, 2)
	_, ok := existing[base]
	require.True(t, ok)
}

func TestWriter_WriteBatch_RejectsUnclosedCandles(t *testing.T) {
	w := New(t.TempDir())
	c := closedCandle(0)
	c.IsClosed = false

	err := w.WriteBatch([]candle.Candle{c}, 1000)
	require.Error(t, err)
}

func TestWriter_LastOpenTimeMs_ZeroWhenEmpty(t *testing.T) {
	w := New(t.TempDir())
	last, err := w.LastOpenTimeMs("kraken", "XBTUSD", candle.TF1m)
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestSanitizeIdent_RejectsTraversalAndSeparators(t *testing.T) {
	cases := []string{"../escape", "a/b", "a\\b", "a\x00b", ""}
	for _, c := range cases {
		_, err := sanitizeIdent(c)
		require.Error(t, err, "expected rejection for %q", c)
	}
}
