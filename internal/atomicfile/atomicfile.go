// Package atomicfile provides crash-safe file writes via temp-file-then-rename,
// the pattern the rest of the bridge's on-disk state relies on for its
// at-most-once / no-silent-drop guarantees.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteText writes content to path by first writing to a sibling temp file
// and renaming it into place. The rename is the only state transition the
// filesystem exposes to readers, so a crash before it leaves the previous
// content (or nothing, on first write) intact.
func WriteText(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-%d-*", filepath.Base(path), os.Getpid()))
	if err != nil {
		return fmt.Errorf("atomicfile: create temp in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write %q: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename %q -> %q: %w", tmpPath, path, err)
	}
	cleanup = false
	return nil
}

// WriteJSON marshals v and writes it atomically to path.
func WriteJSON(path string, v any, marshal func(any) ([]byte, error)) error {
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("atomicfile: marshal: %w", err)
	}
	return WriteText(path, data)
}

// EnsureJSONArrayFile creates path with an empty JSON array if it doesn't
// already exist. It never overwrites existing content.
func EnsureJSONArrayFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("atomicfile: stat %q: %w", path, err)
	}
	return WriteText(path, []byte("[]"))
}

// ReadFile is a thin wrapper kept alongside the writer so callers only need
// to import one package for the read/write pair; it performs no locking of
// its own since every caller in this codebase owns its files under a lease.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Exists reports whether path exists (and any stat error is treated as non-existence).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
