package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

type fakeRunner struct {
	text string
	err  error
}

func (f fakeRunner) RunPrompt(ctx context.Context, sessionFile, sessionPath, cwd, botUsername, message string, timeout time.Duration, images []string) (string, error) {
	return f.text, f.err
}

type fakeOutbound struct {
	items []queue.OutboundItem
}

func (f *fakeOutbound) Enqueue(item queue.OutboundItem) error {
	f.items = append(f.items, item)
	return nil
}

func TestPumpCompletesAndNotifiesOnce(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Enqueue(&Job{ID: "j1", ChatID: 100, SessionFile: "f1", PromptText: "go", CreatedAtMs: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out := &fakeOutbound{}
	ran, err := Pump(context.Background(), s, fakeRunner{text: "the answer"}, out, "/p", "/work", "rho_bot", func() int64 { return 42 })
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if !ran {
		t.Fatal("expected Pump to run the eligible job")
	}
	if len(out.items) != 1 || out.items[0].ChatID != 100 {
		t.Fatalf("expected one completion notification, got %+v", out.items)
	}

	job, _ := s.Get("j1")
	if job.Status != StatusCompleted || job.ResultText != "the answer" {
		t.Fatalf("unexpected job state: %+v", job)
	}

	// Pump again should find nothing more to do.
	ran, err = Pump(context.Background(), s, fakeRunner{text: "unused"}, out, "/p", "/work", "rho_bot", func() int64 { return 43 })
	if err != nil {
		t.Fatalf("Pump (second): %v", err)
	}
	if ran {
		t.Fatal("expected no further eligible jobs")
	}
	if len(out.items) != 1 {
		t.Fatalf("expected the notification to remain idempotent, got %d items", len(out.items))
	}
}

func TestPumpFailureEnqueuesFailureMessage(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Enqueue(&Job{ID: "j1", ChatID: 100, SessionFile: "f1", PromptText: "go", CreatedAtMs: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out := &fakeOutbound{}
	ran, err := Pump(context.Background(), s, fakeRunner{err: errors.New("boom")}, out, "/p", "/work", "rho_bot", func() int64 { return 42 })
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if !ran {
		t.Fatal("expected Pump to run the job")
	}

	job, _ := s.Get("j1")
	if job.Status != StatusFailed || job.Error != "boom" {
		t.Fatalf("unexpected job state: %+v", job)
	}
	if len(out.items) != 1 {
		t.Fatalf("expected one failure notification, got %+v", out.items)
	}
}
