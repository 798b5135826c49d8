package worker

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/runtimestate"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/trigger"
)

// HandleCheckTrigger consumes the cross-process check-trigger file (C3); on
// a triggered request it records the consumed request's source and time,
// and runs a silent pollOnce so the follow-up poll produces no chat-action
// side effects beyond what a genuine update would.
func (r *Runtime) HandleCheckTrigger(ctx context.Context) {
	result, err := trigger.Consume(r.triggerPath, r.lastTriggerMtimeMs)
	if err != nil {
		slog.Error("worker: consume check trigger", "component", "worker", "error", err)
		return
	}
	r.lastTriggerMtimeMs = result.NextSeen
	if !result.Triggered {
		return
	}

	source := "unknown"
	if result.Request != nil {
		source = result.Request.Source
	}

	state, err := runtimestate.Load(r.runtimeStatePath)
	if err == nil {
		state = runtimestate.MarkCheck(state, source, r.now())
		if err := runtimestate.Save(r.runtimeStatePath, state); err != nil {
			slog.Error("worker: persist runtime state after check trigger", "component", "worker", "error", err)
		}
	}

	outcome := r.PollOnce(ctx, true)
	if outcome.Err != nil {
		slog.Error("worker: silent poll from check trigger", "component", "worker", "error", outcome.Err)
	}
}
