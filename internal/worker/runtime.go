package worker

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/approvals"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/jobs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/sessionmap"
)

// Runtime ties C1-C12 into the three operations (pollOnce, drain, flush)
// plus handleCheckTrigger that the supervisor (C14) drives in a loop. It
// exclusively owns its queues, jobs, and runtime-state files for as long
// as the supervisor holds the lease.
type Runtime struct {
	cfg Config

	telegram TelegramClient
	stt      STTProvider
	tts      TTSProvider
	prompt   PromptRunner

	inbound   *queue.Inbound
	outbound  *queue.Outbound
	sessions  *sessionmap.Map
	approvals *approvals.Store
	jobs      *jobs.Store

	runtimeStatePath   string
	triggerPath        string
	lastTriggerMtimeMs int64

	disabled bool
	isLeader func() bool
	nowFn    func() time.Time

	inFlight                sync.Mutex
	consecutiveSendFailures int
}

// Deps bundles the collaborators New wires together, kept separate from
// Config since these are live objects rather than static policy knobs.
type Deps struct {
	Telegram  TelegramClient
	STT       STTProvider
	TTS       TTSProvider
	Prompt    PromptRunner
	Inbound   *queue.Inbound
	Outbound  *queue.Outbound
	Sessions  *sessionmap.Map
	Approvals *approvals.Store
	Jobs      *jobs.Store

	RuntimeStatePath string
	TriggerPath      string

	// IsLeader reports whether this process currently holds the lease
	// (C2). nil is treated as always-leader, useful in tests.
	IsLeader func() bool
	// Now overrides time.Now for deterministic tests; nil uses wall time.
	Now func() time.Time
}

// New constructs a Runtime from cfg and deps.
func New(cfg Config, deps Deps) *Runtime {
	return &Runtime{
		cfg:              cfg,
		telegram:         deps.Telegram,
		stt:              deps.STT,
		tts:              deps.TTS,
		prompt:           deps.Prompt,
		inbound:          deps.Inbound,
		outbound:         deps.Outbound,
		sessions:         deps.Sessions,
		approvals:        deps.Approvals,
		jobs:             deps.Jobs,
		runtimeStatePath: deps.RuntimeStatePath,
		triggerPath:      deps.TriggerPath,
		isLeader:         deps.IsLeader,
		nowFn:            deps.Now,
	}
}

// Disable prevents PollOnce from doing anything beyond returning a
// "disabled" skip reason; used when settings validation (C14 step 1) fails
// but the process is kept alive for diagnostics.
func (r *Runtime) Disable() { r.disabled = true }

func (r *Runtime) pumpOnce(ctx context.Context) (bool, error) {
	return jobs.Pump(ctx, r.jobs, r.prompt, r.outbound, r.cfg.SessionPath, r.cfg.SessionCwd, r.cfg.BotUsername, func() int64 { return r.now().UnixMilli() })
}

// Disposer is implemented by a PromptRunner that owns long-lived
// subprocesses needing an explicit teardown at shutdown (the concrete
// rpc.Runtime). Kept as an optional interface so worker never imports rpc
// directly, preserving C9's exclusive ownership of its subprocess pool.
type Disposer interface {
	TeardownAll() []string
}

// Dispose tears down every RPC subprocess the worker's PromptRunner owns,
// if it implements Disposer. The supervisor (C14) calls this on shutdown
// before releasing the lease.
func (r *Runtime) Dispose() {
	if d, ok := r.prompt.(Disposer); ok {
		d.TeardownAll()
	}
}
