package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/inbound"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/obs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/runtimestate"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/slash"
)

// skip reasons returned by pollOnce without touching Telegram at all.
const (
	reasonDisabled        = "disabled"
	reasonNotPolling      = "not_polling"
	reasonNotLeader       = "not_leader"
	reasonAlreadyInFlight = "already_in_flight"
	reasonQuietHours      = "quiet_hours"
)

// PollOnce runs one fetch-normalize-authorize-enqueue cycle, then drains the
// inbound queue, flushes the outbound queue, and pumps one eligible job.
// silent suppresses the chat-action/typing side effects that would be
// noisy on a synthetic poll triggered by handleCheckTrigger.
func (r *Runtime) PollOnce(ctx context.Context, silent bool) (outcome PollOutcome) {
	if !r.inFlight.TryLock() {
		return PollOutcome{Skipped: true, Reason: reasonAlreadyInFlight}
	}
	defer r.inFlight.Unlock()

	ctx, end := obs.StartSpan(ctx, "worker.pollOnce")
	defer func() { end(outcome.Err) }()

	if r.disabled {
		return PollOutcome{Skipped: true, Reason: reasonDisabled}
	}
	if r.isLeader != nil && !r.isLeader() {
		return PollOutcome{Skipped: true, Reason: reasonNotLeader}
	}
	if r.inQuietHours() {
		return PollOutcome{Skipped: true, Reason: reasonQuietHours}
	}

	state, err := runtimestate.Load(r.runtimeStatePath)
	if err != nil {
		return PollOutcome{Err: fmt.Errorf("worker: load runtime state: %w", err)}
	}
	if state.Mode == runtimestate.ModePaused {
		return PollOutcome{Skipped: true, Reason: reasonNotPolling}
	}
	state.Mode = runtimestate.ModePolling

	updates, err := r.telegram.GetUpdates(ctx, state.LastUpdateID, r.cfg.PollTimeoutSeconds)
	if err != nil {
		state = runtimestate.MarkPollFailure(state, r.now())
		if saveErr := runtimestate.Save(r.runtimeStatePath, state); saveErr != nil {
			slog.Error("worker: persist runtime state after poll failure", "component", "worker", "error", saveErr)
		}
		return PollOutcome{Err: fmt.Errorf("worker: getUpdates: %w", err)}
	}

	ids := make([]int64, 0, len(updates))
	inboundQueue := r.inbound.Load()
	for _, upd := range updates {
		ids = append(ids, int64(upd.UpdateID))

		env, ok := inbound.Normalize(upd, r.cfg.ThreadedMode)
		if !ok {
			continue
		}

		result := inbound.Authorize(env, r.cfg.AuthzSettings, r.cfg.BotUsername, r.cfg.StrictAllowlist)
		if !result.OK {
			r.handleDenied(env, result)
			continue
		}

		parsed := slash.Parse(env.Text)
		if parsed.Kind == slash.KindSlash && slash.StripMentionSuffix(parsed.CommandName, r.cfg.BotUsername) == "new" {
			if err := r.handleNewCommand(env); err != nil {
				slog.Error("worker: handle /new", "component", "worker", "error", err)
			}
			continue
		}

		resolution, err := r.sessions.Resolve(env, r.cfg.ThreadedMode)
		if err != nil {
			slog.Error("worker: resolve session", "component", "worker", "error", err)
			continue
		}
		inboundQueue = append(inboundQueue, queue.InboundItem{
			Envelope:    env,
			SessionKey:  resolution.SessionKey,
			SessionFile: resolution.SessionFile,
		})
	}
	if err := r.inbound.Save(inboundQueue); err != nil {
		slog.Error("worker: persist inbound queue", "component", "worker", "error", err)
	}

	state.LastUpdateID = runtimestate.AdvanceUpdateOffset(state.LastUpdateID, ids)
	state = runtimestate.MarkPollSuccess(state, r.now())
	if err := runtimestate.Save(r.runtimeStatePath, state); err != nil {
		return PollOutcome{Err: fmt.Errorf("worker: persist runtime state: %w", err)}
	}

	r.drainInboundQueue(ctx, silent)
	r.flushOutboundQueue(ctx)
	if _, err := r.pumpOnce(ctx); err != nil {
		slog.Error("worker: pump jobs", "component", "worker", "error", err)
	}

	return PollOutcome{Updates: len(updates)}
}

// handleDenied upserts a pending approval for a blocked actor and, the
// first time, enqueues a one-time PIN reply so the operator can be asked
// to approve out of band.
func (r *Runtime) handleDenied(env queue.Envelope, result inbound.Result) {
	entry, created, err := r.approvals.Upsert(env.ChatID, env.UserID, string(result.Reason), r.now())
	if err != nil {
		slog.Error("worker: upsert pending approval", "component", "worker", "error", err)
		return
	}
	if !created {
		return
	}
	if err := r.outbound.Enqueue(queue.OutboundItem{
		ChatID:          env.ChatID,
		MessageThreadID: env.MessageThreadID,
		Text:            fmt.Sprintf("🔒 Access request received. Share this PIN with the operator to approve: %s", entry.PIN),
	}); err != nil {
		slog.Error("worker: enqueue approval notice", "component", "worker", "error", err)
	}
}

// handleNewCommand resets the caller's session file and acknowledges the
// reset inline, rather than ever reaching C9.
func (r *Runtime) handleNewCommand(env queue.Envelope) error {
	_, _, err := r.sessions.Reset(env, r.cfg.ThreadedMode)
	if err != nil {
		return err
	}
	return r.outbound.Enqueue(queue.OutboundItem{
		ChatID:          env.ChatID,
		MessageThreadID: env.MessageThreadID,
		Text:            "Started a new session.",
	})
}

// inQuietHours reports whether cfg.QuietHoursExpr (a cron expression, e.g.
// "0-59 22-23 * * *" for 22:00-23:59 nightly) is due at the current minute.
// Extends spec.md's "skipped" taxonomy with reasonQuietHours rather than
// adding a new poll status.
func (r *Runtime) inQuietHours() bool {
	if r.cfg.QuietHoursExpr == "" {
		return false
	}
	due, err := gronx.IsDue(r.cfg.QuietHoursExpr, r.now())
	if err != nil {
		slog.Error("worker: parse quiet hours expression", "component", "worker", "error", err)
		return false
	}
	return due
}

func (r *Runtime) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}
