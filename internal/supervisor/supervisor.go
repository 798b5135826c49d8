// Package supervisor implements the top-level process loop (C14): it holds
// the exclusive lease (C2), drives the worker runtime's (C13) sequential
// poll cycle, refreshes the lease on a ticker, and disposes everything
// cleanly on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/lease"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/trigger"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

// Poller is the subset of worker.Runtime the supervisor drives. Declared
// as an interface so the poll/refresh loops are testable without a full
// worker.Runtime and its dependencies.
type Poller interface {
	PollOnce(ctx context.Context, silent bool) worker.PollOutcome
	HandleCheckTrigger(ctx context.Context)
	Dispose()
}

// Config carries the supervisor's lease and scheduling policy.
type Config struct {
	LeasePath string
	Purpose   string
	// StaleMs bounds how long a lease can go unrefreshed before another
	// process is allowed to steal it.
	StaleMs int64
	// RefreshInterval is how often the held lease is refreshed; defaults
	// to 15s.
	RefreshInterval time.Duration
	// FailureBackoff is how long pollLoop waits after a failed pollOnce
	// before trying again; defaults to 1s.
	FailureBackoff time.Duration
	// TriggerPath, if set, is watched with fsnotify so a write to the
	// check-trigger file (C3) wakes HandleCheckTrigger immediately rather
	// than waiting for pollLoop's next natural iteration. Optional: a
	// watcher that fails to start (e.g. the state directory isn't yet
	// created) is logged and skipped, since pollLoop's own call to
	// HandleCheckTrigger remains the source of truth.
	TriggerPath string
}

func (c Config) refreshInterval() time.Duration {
	if c.RefreshInterval > 0 {
		return c.RefreshInterval
	}
	return 15 * time.Second
}

func (c Config) failureBackoff() time.Duration {
	if c.FailureBackoff > 0 {
		return c.FailureBackoff
	}
	return time.Second
}

// Supervisor owns the lease handle and drives worker across its lifetime.
type Supervisor struct {
	worker Poller
	cfg    Config
	handle *lease.Handle
}

// New returns a Supervisor that will drive worker once Run acquires the
// lease.
func New(w Poller, cfg Config) *Supervisor {
	return &Supervisor{worker: w, cfg: cfg}
}

// ErrLeaseHeld is returned by Run when another live process already holds
// the lease.
var ErrLeaseHeld = errors.New("supervisor: lease held by another process")

// Run acquires the lease, then drives the poll loop and the lease-refresh
// ticker concurrently until ctx is cancelled, SIGINT/SIGTERM arrives, or
// either loop returns a fatal error (lease lost, refresh failure). On any
// exit path the worker's RPC subprocesses are disposed and the lease is
// released before Run returns. A clean signal-triggered shutdown returns
// nil; a lost/contended lease or other fatal condition returns a non-nil
// error the caller should treat as exit code 1.
func (s *Supervisor) Run(ctx context.Context) error {
	nonce := uuid.NewString()
	result, err := lease.TryAcquire(s.cfg.LeasePath, nonce, time.Now(), s.cfg.StaleMs, s.cfg.Purpose)
	if err != nil {
		return fmt.Errorf("supervisor: acquire lease: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("%w (pid %d)", ErrLeaseHeld, result.OwnerPID)
	}
	s.handle = result.Handle

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var watcher *trigger.Watcher
	if s.cfg.TriggerPath != "" {
		var watchErr error
		watcher, watchErr = trigger.NewWatcher(s.cfg.TriggerPath)
		if watchErr != nil {
			slog.Error("supervisor: start check-trigger watcher", "component", "supervisor", "error", watchErr)
			watcher = nil
		} else {
			defer watcher.Close()
		}
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return s.pollLoop(gctx) })
	g.Go(func() error { return s.refreshLoop(gctx) })
	if watcher != nil {
		g.Go(func() error { return s.triggerWatchLoop(gctx, watcher) })
	}

	runErr := g.Wait()

	s.worker.Dispose()
	if releaseErr := s.handle.Release(); releaseErr != nil {
		slog.Error("supervisor: release lease", "component", "supervisor", "error", releaseErr)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// pollLoop runs pollOnce/handleCheckTrigger sequentially, backing off
// after a failed poll rather than busy-looping against a flaky API.
func (s *Supervisor) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		outcome := s.worker.PollOnce(ctx, false)
		s.worker.HandleCheckTrigger(ctx)

		wait := time.Duration(0)
		if outcome.Err != nil {
			wait = s.cfg.failureBackoff()
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// triggerWatchLoop wakes HandleCheckTrigger as soon as fsnotify reports a
// write to the check-trigger file, instead of waiting for pollLoop's next
// iteration to notice the advanced mtime on its own.
func (s *Supervisor) triggerWatchLoop(ctx context.Context, watcher *trigger.Watcher) error {
	for {
		watcher.Wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.worker.HandleCheckTrigger(ctx)
	}
}

// refreshLoop keeps the lease alive on a ticker; a failed refresh (lost to
// another owner, or an I/O error) is fatal and propagates via the errgroup,
// which cancels pollLoop too.
func (s *Supervisor) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.handle.Refresh(time.Now()); err != nil {
				return fmt.Errorf("supervisor: lease refresh: %w", err)
			}
		}
	}
}
