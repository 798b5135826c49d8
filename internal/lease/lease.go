// Package lease implements the file-based exclusive lease that ensures at
// most one worker process polls a given bot account at a time.
package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
)

// Payload is the on-disk lease record.
type Payload struct {
	PID         int       `json:"pid"`
	Nonce       string    `json:"nonce"`
	Purpose     string    `json:"purpose"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// IsStale reports whether the payload's last refresh is older than staleMs
// relative to now.
func IsStale(p Payload, staleMs int64, now time.Time) bool {
	return now.Sub(p.RefreshedAt) > time.Duration(staleMs)*time.Millisecond
}

// Handle represents a held lease. Refresh and Release act only on the nonce
// captured at acquisition time, so a lease stolen by a new owner is never
// mistakenly kept alive or torn down by the previous holder.
type Handle struct {
	path  string
	nonce string
}

// Result is returned by TryAcquire.
type Result struct {
	OK       bool
	Handle   *Handle
	OwnerPID int // populated when OK is false and an owner could be read
}

// TryAcquire attempts to acquire the lease at path. It succeeds if no lease
// file exists, or if the existing one is stale.
//
// The no-file case is handled with an O_CREATE|O_EXCL open rather than a
// read-then-rename: two processes racing to create the very first lease
// file would otherwise both pass the "missing" check and both succeed via
// an unconditional rename, each believing it alone holds the lease.
// O_EXCL makes exactly one of them win that race; the loser falls through
// to the normal existing-lease staleness check below, re-reading whatever
// the winner just wrote.
func TryAcquire(path, nonce string, now time.Time, staleMs int64, purpose string) (Result, error) {
	payload := Payload{
		PID:         os.Getpid(),
		Nonce:       nonce,
		Purpose:     purpose,
		AcquiredAt:  now,
		RefreshedAt: now,
	}
	payload.Hostname, _ = os.Hostname()

	existing, err := ReadOwner(path)
	if err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("lease: read existing %q: %w", path, err)
	}

	if os.IsNotExist(err) {
		created, createErr := createExclusive(path, payload)
		if createErr != nil {
			return Result{}, createErr
		}
		if created {
			return Result{OK: true, Handle: &Handle{path: path, nonce: nonce}}, nil
		}
		// Lost the create race to another process; re-read and fall through
		// to the staleness check against whatever it just wrote.
		existing, err = ReadOwner(path)
		if err != nil {
			return Result{}, fmt.Errorf("lease: read existing %q after lost create race: %w", path, err)
		}
	}

	if !IsStale(*existing, staleMs, now) {
		return Result{OK: false, OwnerPID: existing.PID}, nil
	}

	if err := writePayload(path, payload); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Handle: &Handle{path: path, nonce: nonce}}, nil
}

// createExclusive atomically creates path with payload, succeeding only if
// the file did not already exist. Returns false (not an error) when another
// process won the race.
func createExclusive(path string, payload Payload) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("lease: mkdir %q: %w", dir, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("lease: marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lease: exclusive create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("lease: write %q: %w", path, err)
	}
	return true, nil
}

// Refresh rewrites refreshedAt, but only if the file on disk still carries
// this handle's nonce — otherwise the lease has been lost to another
// process and the caller must treat it as such.
func (h *Handle) Refresh(now time.Time) error {
	current, err := ReadOwner(h.path)
	if err != nil {
		return fmt.Errorf("lease: refresh read %q: %w", h.path, err)
	}
	if current.Nonce != h.nonce {
		return fmt.Errorf("lease: lost — nonce mismatch (held %q, found %q)", h.nonce, current.Nonce)
	}
	current.RefreshedAt = now
	return writePayload(h.path, *current)
}

// Release deletes the lease file, but only if its nonce still matches this
// handle's — an already-superseded lease is left untouched.
func (h *Handle) Release() error {
	current, err := ReadOwner(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lease: release read %q: %w", h.path, err)
	}
	if current.Nonce != h.nonce {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lease: remove %q: %w", h.path, err)
	}
	return nil
}

// ReadOwner reads and parses the lease file at path. Returns an
// os.IsNotExist-satisfying error when no lease exists.
func ReadOwner(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("lease: parse %q: %w", path, err)
	}
	return &p, nil
}

func writePayload(path string, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lease: marshal: %w", err)
	}
	return atomicfile.WriteText(path, data)
}
