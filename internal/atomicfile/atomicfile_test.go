package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTextCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "state.json")

	if err := WriteText(path, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Fatalf("content = %q, want %q", got, `{"x":1}`)
	}
}

func TestWriteTextLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteText(path, []byte("1")); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if err := WriteText(path, []byte("2")); err != nil {
		t.Fatalf("WriteText (overwrite): %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file after overwrite, got %d: %v", len(entries), entries)
	}
}

func TestEnsureJSONArrayFileIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	if err := EnsureJSONArrayFile(path); err != nil {
		t.Fatalf("EnsureJSONArrayFile: %v", err)
	}
	if err := os.WriteFile(path, []byte(`[1,2,3]`), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	if err := EnsureJSONArrayFile(path); err != nil {
		t.Fatalf("EnsureJSONArrayFile (no-op): %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `[1,2,3]` {
		t.Fatalf("EnsureJSONArrayFile overwrote existing content: %q", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if Exists(path) {
		t.Fatal("Exists should be false before creation")
	}
	if err := WriteText(path, []byte("x")); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if !Exists(path) {
		t.Fatal("Exists should be true after creation")
	}
}
