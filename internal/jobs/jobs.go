// Package jobs implements the background job store and scheduler: prompts
// that exceed the foreground timeout are promoted here, run to completion
// independently of the poll loop, and report back via the outbound queue.
package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/atomicfile"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one background prompt execution.
type Job struct {
	ID                     string  `json:"id"`
	ChatID                 int64   `json:"chatId"`
	UserID                 *int64  `json:"userId,omitempty"`
	MessageID              int64   `json:"messageId"`
	MessageThreadID        *int64  `json:"messageThreadId,omitempty"`
	SessionKey             string  `json:"sessionKey"`
	SessionFile            string  `json:"sessionFile"`
	PromptText             string  `json:"promptText"`
	CreatedAtMs            int64   `json:"createdAtMs"`
	StartedAtMs            *int64  `json:"startedAtMs"`
	FinishedAtMs           *int64  `json:"finishedAtMs"`
	Status                 Status  `json:"status"`
	ResultText             string  `json:"resultText,omitempty"`
	Error                  string  `json:"error,omitempty"`
	CompletionNotifiedAtMs *int64 `json:"completionNotifiedAtMs,omitempty"`
	CancelRequestedAtMs    *int64 `json:"cancelRequestedAtMs,omitempty"`
	StderrTail             string `json:"stderrTail,omitempty"`
}

// Store persists jobs.json and tracks which session files currently have
// an active (running) job, enforcing at most one running job per session
// file via set membership rather than a lock.
type Store struct {
	path string

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]bool // sessionFile -> has a running job
}

// Load reads jobs.json, crash-safely rehydrating any job found still
// "running" back to "queued" since no process could actually still be
// executing it after a restart.
func Load(path string) (*Store, error) {
	s := &Store{path: path, jobs: map[string]*Job{}, active: map[string]bool{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("jobs: read %q: %w", path, err)
	}

	var list []*Job
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("jobs: corrupt jobs.json, starting empty", "component", "jobs", "error", err)
		return s, nil
	}

	for _, j := range list {
		if j == nil || j.ID == "" {
			continue
		}
		if j.Status == StatusRunning {
			j.Status = StatusQueued
			j.StartedAtMs = nil
			j.Error = ""
		}
		s.jobs[j.ID] = j
		if j.Status == StatusRunning {
			s.active[j.SessionFile] = true
		}
	}
	return s, nil
}

func (s *Store) saveLocked() error {
	list := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("jobs: marshal: %w", err)
	}
	return atomicfile.WriteText(s.path, data)
}

// Enqueue appends a fresh queued job and persists the store.
func (s *Store) Enqueue(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.Status = StatusQueued
	s.jobs[j.ID] = j
	return s.saveLocked()
}

// Get returns the job with id, if any.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// ForChat returns every job for chatID, most-recently-created first.
func (s *Store) ForChat(chatID int64) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.ChatID == chatID {
			out = append(out, j)
		}
	}
	sortByCreatedDesc(out)
	return out
}

func sortByCreatedDesc(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j-1].CreatedAtMs < jobs[j].CreatedAtMs; j-- {
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
		}
	}
}

// NextQueued returns one queued job whose sessionFile has no job currently
// marked active, or nil if none is eligible right now.
func (s *Store) NextQueued() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == StatusQueued && !s.active[j.SessionFile] {
			return j
		}
	}
	return nil
}

// MarkRunning transitions job id from queued to running and claims its
// session file as active.
func (s *Store) MarkRunning(id string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("jobs: unknown job %q", id)
	}
	j.Status = StatusRunning
	j.StartedAtMs = &nowMs
	s.active[j.SessionFile] = true
	return s.saveLocked()
}

// Complete records a successful result, unless the job was cancelled while
// running — in which case the late result is discarded entirely.
func (s *Store) Complete(id, resultText string, nowMs int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown job %q", id)
	}
	delete(s.active, j.SessionFile)
	if j.Status == StatusCancelled {
		return j, s.saveLocked()
	}
	j.Status = StatusCompleted
	j.ResultText = resultText
	j.FinishedAtMs = &nowMs
	return j, s.saveLocked()
}

// Fail records a failed result, same cancellation-discard rule as Complete.
func (s *Store) Fail(id, errText string, nowMs int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown job %q", id)
	}
	delete(s.active, j.SessionFile)
	if j.Status == StatusCancelled {
		return j, s.saveLocked()
	}
	j.Status = StatusFailed
	j.Error = errText
	j.FinishedAtMs = &nowMs
	return j, s.saveLocked()
}

// Cancel marks job id cancelled (terminal) and records the request time.
// Any in-flight result that arrives after this is discarded by
// Complete/Fail's cancellation check.
func (s *Store) Cancel(id string, nowMs int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown job %q", id)
	}
	j.Status = StatusCancelled
	j.CancelRequestedAtMs = &nowMs
	delete(s.active, j.SessionFile)
	return j, s.saveLocked()
}

// MarkCompletionNotified records that the completion/failure message for
// id has been enqueued to the outbound queue, making that notification
// idempotent across restarts.
func (s *Store) MarkCompletionNotified(id string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("jobs: unknown job %q", id)
	}
	j.CompletionNotifiedAtMs = &nowMs
	return s.saveLocked()
}
