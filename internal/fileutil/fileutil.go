// Package fileutil holds small filesystem helpers shared across the
// coordinator's packages.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates a directory and all parent directories with 0755
// permissions. A no-op if the directory already exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// WriteJSON pretty-prints v and writes it to path, creating the parent
// directory if needed. The lock manager writes locks/active.json this
// way; the state store, message queue and config write their own JSON
// files with the same two-space indentation.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LogError writes a formatted operator-facing error line to stderr. It
// never returns an error itself: callers use it for conditions that must
// be visible but must not abort the coordinator (§7 propagation policy —
// filesystem/parse errors are absorbed locally to preserve liveness).
func LogError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "fleetline: "+format+"\n", args...)
}
