package ops

import (
	"fmt"
	"os"
	"strings"
)

// CheckKillSwitchFile implements the on-disk kill switch from spec §6: a
// text file at path whose first line is "KILL" triggers a halt (any reason
// lines WriteKillSwitchFile appends after it are ignored). Any
// read error (including "file does not exist" being treated as "not
// armed") is reported distinctly so callers can apply fail-closed
// semantics: a genuine read error (permissions, I/O) halts just like an
// armed switch, while a missing file does not.
func CheckKillSwitchFile(path string) (armed bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return true, fmt.Errorf("ops: kill switch file %s unreadable, treating as armed: %w", path, err)
	}
	firstLine, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(firstLine) == "KILL", nil
}

// WriteKillSwitchFile arms the kill switch with a human-readable reason,
// invoked by the router/orchestrator on a fail_closed failure.
func WriteKillSwitchFile(path, reason string) error {
	content := fmt.Sprintf("KILL\n# reason: %s\n", reason)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("ops: write kill switch file %s: %w", path, err)
	}
	return nil
}
