package sessionmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

const headerVersion = 1

// Header is the first JSONL line written to every session file.
type Header struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

// Map persists the key → sessionFile mapping and creates session files on
// demand.
type Map struct {
	mappingPath string
	sessionsDir string
	cwd         string
}

// New returns a Map that persists its key→file table at mappingPath and
// creates session files under sessionsDir. cwd is recorded in each new
// session's header — the working directory the RPC subprocess for that
// session will run in.
func New(mappingPath, sessionsDir, cwd string) (*Map, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionmap: mkdir %q: %w", sessionsDir, err)
	}
	if err := atomicfile.EnsureJSONArrayFile(mappingPath); err != nil {
		return nil, err
	}
	// The mapping file is a JSON object, not array; normalize if the
	// array-file helper seeded "[]" on first creation.
	data, err := os.ReadFile(mappingPath)
	if err != nil {
		return nil, fmt.Errorf("sessionmap: read %q: %w", mappingPath, err)
	}
	if string(data) == "[]" {
		if err := atomicfile.WriteText(mappingPath, []byte("{}")); err != nil {
			return nil, err
		}
	}
	return &Map{mappingPath: mappingPath, sessionsDir: sessionsDir, cwd: cwd}, nil
}

func (m *Map) load() (map[string]string, error) {
	data, err := os.ReadFile(m.mappingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("sessionmap: read %q: %w", m.mappingPath, err)
	}
	table := map[string]string{}
	if err := json.Unmarshal(data, &table); err != nil {
		return map[string]string{}, nil
	}
	return table, nil
}

func (m *Map) save(table map[string]string) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionmap: marshal: %w", err)
	}
	return atomicfile.WriteText(m.mappingPath, data)
}

// Resolution is the result of resolving an envelope to its session file.
type Resolution struct {
	SessionKey  string
	SessionFile string
	Created     bool
}

// Resolve computes the session key for env, reuses the mapped file if it
// still exists on disk, or lazily creates a fresh one and persists the
// mapping.
func (m *Map) Resolve(env queue.Envelope, threadedMode bool) (Resolution, error) {
	key := BuildKey(env, threadedMode)

	table, err := m.load()
	if err != nil {
		return Resolution{}, err
	}

	if existing, ok := table[key]; ok && atomicfile.Exists(existing) {
		return Resolution{SessionKey: key, SessionFile: existing, Created: false}, nil
	}

	file, err := m.createSessionFile()
	if err != nil {
		return Resolution{}, err
	}
	table[key] = file
	if err := m.save(table); err != nil {
		return Resolution{}, err
	}
	return Resolution{SessionKey: key, SessionFile: file, Created: true}, nil
}

// Reset unconditionally creates a fresh session file for env's key and
// remaps it, returning the previous file path (empty if there was none).
func (m *Map) Reset(env queue.Envelope, threadedMode bool) (Resolution, string, error) {
	key := BuildKey(env, threadedMode)

	table, err := m.load()
	if err != nil {
		return Resolution{}, "", err
	}
	previous := table[key]

	file, err := m.createSessionFile()
	if err != nil {
		return Resolution{}, "", err
	}
	table[key] = file
	if err := m.save(table); err != nil {
		return Resolution{}, "", err
	}
	return Resolution{SessionKey: key, SessionFile: file, Created: true}, previous, nil
}

func (m *Map) createSessionFile() (string, error) {
	id := uuid.NewString()
	ts := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("%s_%s.jsonl", ts, id)
	path := filepath.Join(m.sessionsDir, name)

	header := Header{
		Type:      "session",
		Version:   headerVersion,
		ID:        id,
		Cwd:       m.cwd,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("sessionmap: marshal header: %w", err)
	}
	line = append(line, '\n')
	if err := atomicfile.WriteText(path, line); err != nil {
		return "", err
	}
	return path, nil
}
