package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/approvals"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/inbound"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/jobs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/obs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/rpc"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/sessionmap"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/settings"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/stt"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/supervisor"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/telegram"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/tts"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge's supervisor loop (acquire lease, poll, bridge Telegram <-> agent)",
		Run: func(cmd *cobra.Command, args []string) {
			runBridge()
		},
	}
}

// runBridge is cmd's entrypoint for both the bare root command and `run`:
// it loads and validates settings (C14 step 1), wires the concrete
// TelegramClient/STTProvider/TTSProvider/PromptRunner and every C1-C12
// file-backed store, then hands the assembled worker.Runtime to a
// supervisor.Supervisor for the lease-guarded poll loop.
func runBridge() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := settings.Load(resolveConfigPath())
	if err != nil {
		slog.Error("load settings", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid settings", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	shutdownTracing, err := obs.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		slog.Error("setup tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		slog.Error("create state dir", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Proxy: cfg.Telegram.Proxy})
	if err != nil {
		slog.Error("create telegram client", "error", err)
		os.Exit(1)
	}

	sttProvider := stt.New(stt.Config{
		ProxyURL:  cfg.STT.ProxyURL,
		APIKey:    cfg.STT.APIKey,
		TenantID:  cfg.STT.TenantID,
		TimeoutMs: cfg.STT.TimeoutMs,
	})
	ttsProvider := tts.New(tts.Config{
		ProxyURL:  cfg.TTS.ProxyURL,
		APIKey:    cfg.TTS.APIKey,
		VoiceID:   cfg.TTS.VoiceID,
		TimeoutMs: cfg.TTS.TimeoutMs,
	})

	spawn := rpc.ExecSpawner(settings.ExpandHome(cfg.Agent.Path), nil)
	rpcRuntime := rpc.New(spawn)

	inboundQueue, err := queue.NewInbound(filepath.Join(stateDir, "inbound.json"))
	if err != nil {
		slog.Error("open inbound queue", "error", err)
		os.Exit(1)
	}
	outboundQueue, err := queue.NewOutbound(filepath.Join(stateDir, "outbound.json"))
	if err != nil {
		slog.Error("open outbound queue", "error", err)
		os.Exit(1)
	}
	sessions, err := sessionmap.New(
		filepath.Join(stateDir, "sessions.json"),
		filepath.Join(stateDir, "sessions"),
		stateDir,
	)
	if err != nil {
		slog.Error("open session map", "error", err)
		os.Exit(1)
	}
	approvalStore, err := approvals.New(filepath.Join(stateDir, "approvals.json"))
	if err != nil {
		slog.Error("open approvals store", "error", err)
		os.Exit(1)
	}
	jobStore, err := jobs.Load(filepath.Join(stateDir, "jobs.json"))
	if err != nil {
		slog.Error("open job store", "error", err)
		os.Exit(1)
	}

	workerCfg := worker.Config{
		BotUsername:         tg.Username(),
		ThreadedMode:        cfg.Telegram.ThreadedMode,
		StrictAllowlist:     cfg.Telegram.StrictAllowlist,
		PollTimeoutSeconds:  30,
		ForegroundTimeoutMs: cfg.Agent.ForegroundTimeoutMs,
		AuthzSettings: inbound.AuthzSettings{
			AllowedChatIDs:         cfg.Authz.AllowedChatIDs,
			AllowedUserIDs:         cfg.Authz.AllowedUserIDs,
			RequireMentionInGroups: cfg.Authz.RequireMentionInGroups,
		},
		RPCPromptTimeoutSeconds: cfg.Agent.RPCPromptTimeoutSeconds,
		BackgroundEligibleSlash: worker.DefaultBackgroundEligibleSlash(),
		SessionCwd:              stateDir,
		SessionPath:             filepath.Join(stateDir, "sessions"),
		QuietHoursExpr:          cfg.Cron.QuietHoursExpr,
	}

	rt := worker.New(workerCfg, worker.Deps{
		Telegram:         tg,
		STT:              sttProvider,
		TTS:              ttsProvider,
		Prompt:           rpcRuntime,
		Inbound:          inboundQueue,
		Outbound:         outboundQueue,
		Sessions:         sessions,
		Approvals:        approvalStore,
		Jobs:             jobStore,
		RuntimeStatePath: filepath.Join(stateDir, "runtime_state.json"),
		TriggerPath:      filepath.Join(stateDir, "check_trigger.json"),
	})

	sup := supervisor.New(rt, supervisor.Config{
		LeasePath:   filepath.Join(stateDir, "lease.json"),
		Purpose:     "rho-telegram-bridge",
		StaleMs:     60_000,
		TriggerPath: filepath.Join(stateDir, "check_trigger.json"),
	})

	if err := sup.Run(ctx); err != nil {
		slog.Error("supervisor exited", "error", err)
		os.Exit(1)
	}
}
