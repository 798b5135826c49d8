// Package trigger implements the cross-process check-trigger file: the
// control plane writes a v1 JSON request, and the worker atomically
// consumes it by comparing (and advancing past) the file's mtime.
package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
)

// Role identifies which kind of process requested the check.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

const schemaVersion = 1

// Request is the v1 JSON check-trigger payload.
type Request struct {
	Version       int    `json:"version"`
	RequestedAt   int64  `json:"requestedAt"`
	RequesterPID  int    `json:"requesterPid"`
	RequesterRole Role   `json:"requesterRole"`
	Source        string `json:"source"`
}

// ConsumeResult is returned by Consume.
type ConsumeResult struct {
	Triggered bool
	NextSeen  int64
	Request   *Request
}

// Write persists a v1 check-trigger request atomically.
func Write(path string, req Request) error {
	req.Version = schemaVersion
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("trigger: marshal: %w", err)
	}
	return atomicfile.WriteText(path, data)
}

// Consume checks whether the trigger file's mtime has advanced past
// lastSeenMtimeMs. If so, it parses and deletes (best-effort) the file and
// returns the parsed request along with the new watermark. If the mtime has
// not advanced, Triggered is false and the caller's watermark is unchanged.
func Consume(path string, lastSeenMtimeMs int64) (ConsumeResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConsumeResult{Triggered: false, NextSeen: lastSeenMtimeMs}, nil
		}
		return ConsumeResult{}, fmt.Errorf("trigger: stat %q: %w", path, err)
	}

	mtimeMs := info.ModTime().UnixMilli()
	if mtimeMs <= lastSeenMtimeMs {
		return ConsumeResult{Triggered: false, NextSeen: lastSeenMtimeMs}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with another consumer or the requester cleaning up; treat as not triggered.
			return ConsumeResult{Triggered: false, NextSeen: lastSeenMtimeMs}, nil
		}
		return ConsumeResult{}, fmt.Errorf("trigger: read %q: %w", path, err)
	}

	req, err := parse(data)
	if err != nil {
		// Malformed payload: delete it so we don't spin on it; the caller
		// keeps its previous watermark.
		os.Remove(path)
		return ConsumeResult{}, fmt.Errorf("trigger: parse %q: %w", path, err)
	}

	os.Remove(path) // best-effort; a leftover file does not trigger again, since its mtime does not exceed the returned NextSeen

	return ConsumeResult{Triggered: true, NextSeen: mtimeMs, Request: req}, nil
}

func parse(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported version %d", req.Version)
	}
	if req.RequestedAt == 0 || req.RequesterPID == 0 {
		return nil, fmt.Errorf("missing numeric fields")
	}
	if req.Source == "" {
		return nil, fmt.Errorf("empty source")
	}
	return &req, nil
}

// NowMs returns the current time in epoch milliseconds, for callers building a Request.
func NowMs(t time.Time) int64 { return t.UnixMilli() }
