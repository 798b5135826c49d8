package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
)

type validatable interface {
	valid() bool
}

// Inbound loads and persists the inbound pending-message queue.
type Inbound struct {
	path string
}

// NewInbound returns an Inbound queue backed by path, ensuring the file
// exists as an empty JSON array.
func NewInbound(path string) (*Inbound, error) {
	if err := atomicfile.EnsureJSONArrayFile(path); err != nil {
		return nil, err
	}
	return &Inbound{path: path}, nil
}

// Load returns the queue's current items. A corrupt file, or one whose root
// is not a JSON array, yields an empty slice rather than an error.
func (q *Inbound) Load() []InboundItem {
	return loadValidated[InboundItem](q.path, "inbound")
}

// Save replaces the whole queue file atomically.
func (q *Inbound) Save(items []InboundItem) error {
	return save(q.path, items)
}

// Enqueue appends item to the queue.
func (q *Inbound) Enqueue(item InboundItem) error {
	items := q.Load()
	items = append(items, item)
	return q.Save(items)
}

// Outbound loads and persists the outbound pending-message queue.
type Outbound struct {
	path string
}

// NewOutbound returns an Outbound queue backed by path.
func NewOutbound(path string) (*Outbound, error) {
	if err := atomicfile.EnsureJSONArrayFile(path); err != nil {
		return nil, err
	}
	return &Outbound{path: path}, nil
}

// Load returns the queue's current items, dropping any that fail shape
// validation (e.g. attempts at or past MaxOutboundAttempts).
func (q *Outbound) Load() []OutboundItem {
	return loadValidated[OutboundItem](q.path, "outbound")
}

// Save replaces the whole queue file atomically.
func (q *Outbound) Save(items []OutboundItem) error {
	return save(q.path, items)
}

// Enqueue appends item to the queue, satisfying jobs.OutboundEnqueuer.
func (q *Outbound) Enqueue(item OutboundItem) error {
	items := q.Load()
	items = append(items, item)
	return q.Save(items)
}

func loadValidated[T any](path, label string) []T {
	ptr := func(v *T) validatable { return any(v).(validatable) }

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("queue: read failed, treating as empty", "component", "queue", "queue", label, "error", err)
		}
		return []T{}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("queue: non-array or corrupt root, resetting to empty", "component", "queue", "queue", label, "error", err)
		return []T{}
	}

	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var item T
		if err := json.Unmarshal(r, &item); err != nil {
			slog.Warn("queue: dropping unparsable element", "component", "queue", "queue", label, "index", i, "error", err)
			continue
		}
		if !ptr(&item).valid() {
			slog.Warn("queue: dropping element failing shape validation", "component", "queue", "queue", label, "index", i)
			continue
		}
		out = append(out, item)
	}
	return out
}

func save[T any](path string, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("queue: marshal %q: %w", path, err)
	}
	return atomicfile.WriteText(path, data)
}
