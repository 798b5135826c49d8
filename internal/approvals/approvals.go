// Package approvals tracks pending access requests from chats or users
// that failed the strict allowlist, each gated behind a one-time numeric
// PIN the operator can use to approve them out of band.
package approvals

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
)

// Entry is one pending-approval record.
type Entry struct {
	PIN         string `json:"pin"`
	ChatID      int64  `json:"chatId"`
	UserID      *int64 `json:"userId,omitempty"`
	Reason      string `json:"reason"`
	RequestedAt string `json:"requestedAt"`
}

// Store persists pending approvals keyed by "chatId" or "chatId:userId" so
// the same blocked actor is never issued a second PIN.
type Store struct {
	path string
}

// New returns a Store backed by path, creating an empty table if absent.
func New(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := atomicfile.WriteText(path, []byte("{}")); err != nil {
				return nil, err
			}
			return &Store{path: path}, nil
		}
		return nil, fmt.Errorf("approvals: read %q: %w", path, err)
	}
	if len(data) == 0 {
		if err := atomicfile.WriteText(path, []byte("{}")); err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

func key(chatID int64, userID *int64) string {
	if userID != nil {
		return fmt.Sprintf("%d:%d", chatID, *userID)
	}
	return fmt.Sprintf("%d", chatID)
}

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("approvals: read %q: %w", s.path, err)
	}
	table := map[string]Entry{}
	if err := json.Unmarshal(data, &table); err != nil {
		return map[string]Entry{}, nil
	}
	return table, nil
}

func (s *Store) save(table map[string]Entry) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("approvals: marshal: %w", err)
	}
	return atomicfile.WriteText(s.path, data)
}

// Upsert returns the existing pending entry for (chatID, userID) if one
// exists, or creates and persists a fresh one with a freshly generated PIN
// unique within the current pending set. The second return value reports
// whether a new entry was created (false means a caller already holds a
// PIN and must not be sent another).
func (s *Store) Upsert(chatID int64, userID *int64, reason string, now time.Time) (Entry, bool, error) {
	table, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}

	k := key(chatID, userID)
	if existing, ok := table[k]; ok {
		return existing, false, nil
	}

	pin, err := generatePIN(table)
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{
		PIN:         pin,
		ChatID:      chatID,
		UserID:      userID,
		Reason:      reason,
		RequestedAt: now.UTC().Format(time.RFC3339),
	}
	table[k] = entry
	if err := s.save(table); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Approve removes the pending entry matching pin, returning it. The
// operator calls this out of band (e.g. via an admin command) once they've
// verified the requester.
func (s *Store) Approve(pin string) (Entry, bool, error) {
	table, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	for k, entry := range table {
		if entry.PIN == pin {
			delete(table, k)
			if err := s.save(table); err != nil {
				return Entry{}, false, err
			}
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func generatePIN(existing map[string]Entry) (string, error) {
	used := make(map[string]bool, len(existing))
	for _, e := range existing {
		used[e.PIN] = true
	}
	for attempt := 0; attempt < 100; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("approvals: generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		if !used[pin] {
			return pin, nil
		}
	}
	return "", fmt.Errorf("approvals: could not find a unique pin after 100 attempts")
}
