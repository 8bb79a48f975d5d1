// Package gc implements the partition-manifest retention sweep, a
// supplemental feature beyond §4.5's named operations grounded on the
// teacher's internal/artifacts/gc Plan/Executor split: a dry-run Plan
// names what would be deleted, and a separate Apply step actually removes
// it, so an operator can inspect a sweep before committing to it.
package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry describes one retention-eligible partition directory: its
// manifest and compacted file, found past maxAge.
type Entry struct {
	PartitionDir  string
	ManifestPath  string
	CompactedFile string
	AgeDays       int
}

// Plan is the result of a dry-run sweep: what would be deleted and why.
type Plan struct {
	CreatedAt time.Time
	MaxAgeDays int
	Entries   []Entry
}

// BuildPlan walks root looking for "_manifest.json" files whose compacted
// partition is older than maxAgeDays, per the "Partition manifest GC"
// supplemental feature. It never deletes anything; Apply does.
func BuildPlan(root string, maxAgeDays int, now time.Time) (*Plan, error) {
	plan := &Plan{CreatedAt: now, MaxAgeDays: maxAgeDays}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "_manifest.json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ageDays := int(now.Sub(info.ModTime()).Hours() / 24)
		if ageDays < maxAgeDays {
			return nil
		}

		dir := filepath.Dir(path)
		compacted, err := findCompactedFile(dir)
		if err != nil {
			return err
		}
		plan.Entries = append(plan.Entries, Entry{
			PartitionDir:  dir,
			ManifestPath:  path,
			CompactedFile: compacted,
			AgeDays:       ageDays,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gc: build plan: %w", err)
	}
	return plan, nil
}

func findCompactedFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) >= len("part-compacted-") && name[:len("part-compacted-")] == "part-compacted-" {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}

// ApplyResult reports what a real (non-dry-run) sweep actually removed.
type ApplyResult struct {
	Deleted []string
	Errors  []string
}

// Apply removes every entry's manifest and compacted file. Partial
// failures are collected in Errors rather than aborting the whole sweep,
// matching the teacher's per-family error collection in Executor.Apply.
func Apply(plan *Plan) ApplyResult {
	var result ApplyResult
	for _, e := range plan.Entries {
		if e.CompactedFile != "" {
			if err := os.Remove(e.CompactedFile); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", e.CompactedFile, err))
				continue
			}
			result.Deleted = append(result.Deleted, e.CompactedFile)
		}
		if err := os.Remove(e.ManifestPath); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", e.ManifestPath, err))
			continue
		}
		result.Deleted = append(result.Deleted, e.ManifestPath)
	}
	return result
}
