package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildPlan_FindsOnlyOldManifests(t *testing.T) {
	root := t.TempDir()

	oldDir := filepath.Join(root, "kraken", "XBTUSD", "1m", "year=2024", "month=01", "day=01")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "_manifest.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "part-compacted-1.parquet"), []byte("x"), 0o644))
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(oldDir, "_manifest.json"), old, old))

	freshDir := filepath.Join(root, "kraken", "ETHUSD", "1m", "year=2026", "month=08", "day=01")
	require.NoError(t, os.MkdirAll(freshDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(freshDir, "_manifest.json"), []byte("{}"), 0o644))

	plan, err := BuildPlan(root, 30, time.Now())
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	require.Equal(t, oldDir, plan.Entries[0].PartitionDir)
}

func TestApply_RemovesPlannedFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "p")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifestPath := filepath.Join(dir, "_manifest.json")
	compactedPath := filepath.Join(dir, "part-compacted-1.parquet")
	require.NoError(t, os.WriteFile(manifestPath, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(compactedPath, []byte("x"), 0o644))

	plan := &Plan{Entries: []Entry{{PartitionDir: dir, ManifestPath: manifestPath, CompactedFile: compactedPath}}}
	result := Apply(plan)

	require.Empty(t, result.Errors)
	require.Len(t, result.Deleted, 2)
	_, err := os.Stat(manifestPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(compactedPath)
	require.True(t, os.IsNotExist(err))
}
