package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

// PromptRunner abstracts the RPC runtime's RunPrompt for job execution,
// letting jobs.Pump run independently of rpc.Runtime's concrete type.
type PromptRunner interface {
	RunPrompt(ctx context.Context, sessionFile, sessionPath, cwd, botUsername, message string, timeout time.Duration, images []string) (string, error)
}

// OutboundEnqueuer abstracts appending to the outbound queue.
type OutboundEnqueuer interface {
	Enqueue(item queue.OutboundItem) error
}

// unboundedTimeout is used for job prompts: background work has already
// opted out of the foreground deadline, so it runs until it finishes, is
// cancelled, or reaches this 24-hour limit.
const unboundedTimeout = 24 * time.Hour

// Pump advances one queued, eligible job: claims it, runs its prompt via
// runner, and enqueues a completion or failure notification. It returns
// false if there was no eligible job to run.
func Pump(ctx context.Context, store *Store, runner PromptRunner, out OutboundEnqueuer, sessionPath, cwd, botUsername string, nowMs func() int64) (bool, error) {
	job := store.NextQueued()
	if job == nil {
		return false, nil
	}

	if err := store.MarkRunning(job.ID, nowMs()); err != nil {
		return true, err
	}

	text, err := runner.RunPrompt(ctx, job.SessionFile, sessionPath, cwd, botUsername, job.PromptText, unboundedTimeout, nil)

	if err != nil {
		failed, ferr := store.Fail(job.ID, err.Error(), nowMs())
		if ferr != nil {
			return true, ferr
		}
		return true, notifyIfNeeded(store, out, failed, nowMs, failureMessage(failed))
	}

	completed, err := store.Complete(job.ID, text, nowMs())
	if err != nil {
		return true, err
	}
	return true, notifyIfNeeded(store, out, completed, nowMs, completionMessage(completed))
}

func notifyIfNeeded(store *Store, out OutboundEnqueuer, job *Job, nowMs func() int64, message string) error {
	if job.Status == StatusCancelled {
		slog.Debug("jobs: discarding result for a cancelled job", "component", "jobs", "job_id", job.ID)
		return nil
	}
	if job.CompletionNotifiedAtMs != nil {
		return nil
	}
	if err := out.Enqueue(queue.OutboundItem{
		ChatID:          job.ChatID,
		MessageThreadID: job.MessageThreadID,
		Text:            message,
	}); err != nil {
		return fmt.Errorf("jobs: enqueue notification for %q: %w", job.ID, err)
	}
	return store.MarkCompletionNotified(job.ID, nowMs())
}

func completionMessage(j *Job) string {
	return fmt.Sprintf("✅ Job %s finished.\n\n%s", j.ID, j.ResultText)
}

func failureMessage(j *Job) string {
	return fmt.Sprintf("❌ Job %s failed: %s", j.ID, j.Error)
}
