// Package worker implements the worker runtime: the three operations that
// actually move messages — pollOnce, drainInboundQueue, flushOutboundQueue
// — plus handleCheckTrigger, wired together over C1-C12.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/inbound"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/jobs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

// ErrParseModeRejected is returned (wrapped) by TelegramClient.SendMessage
// when the server rejects the requested parse mode (malformed markdown);
// flushOutboundQueue retries the same chunk in plain text on this error.
var ErrParseModeRejected = errors.New("telegram: parse mode rejected")

// TelegramAPIError carries the status/retry-after detail C11's retry
// policy needs, without worker importing telego's own error types.
type TelegramAPIError struct {
	StatusCode       int
	RetryAfterSecond int
	Err              error
}

func (e *TelegramAPIError) Error() string { return e.Err.Error() }
func (e *TelegramAPIError) Unwrap() error { return e.Err }

// TelegramClient abstracts the Telegram Bot API surface the worker needs.
// The concrete implementation (internal/telegram) wraps telego.Bot;
// resolving the spec's open question of "one client interface, not a
// channel-plugin abstraction" since this bridge only ever talks to
// Telegram.
type TelegramClient interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telego.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID *int64, messageThreadID *int64, parseMode string) error
	SendChatAction(ctx context.Context, chatID int64, action string, messageThreadID *int64) error
	SendVoice(ctx context.Context, chatID int64, audio []byte, mimeType string, messageThreadID *int64) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error)
	Username() string
}

// STTProvider abstracts speech-to-text transcription.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// APIKeyError marks a provider credential failure worth surfacing to the
// user as a remediation message, rather than a generic transient failure.
type APIKeyError struct{ Err error }

func (e *APIKeyError) Error() string { return e.Err.Error() }
func (e *APIKeyError) Unwrap() error { return e.Err }

// TTSProvider abstracts text-to-speech synthesis.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) (audio []byte, mimeType string, err error)
}

// PromptRunner abstracts the RPC runtime for foreground prompt execution.
// Slash-command classification against the agent's discovered inventory
// happens inside RunPrompt itself (C9); the worker only needs to separate
// out the handful of commands it handles entirely locally (C8's
// LocalCommands) before ever reaching this interface.
type PromptRunner interface {
	jobs.PromptRunner
	CancelSession(sessionFile, reason string) error
}

// Config carries the policy knobs pollOnce/drainInboundQueue/
// flushOutboundQueue consult.
type Config struct {
	BotUsername             string
	ThreadedMode            bool
	StrictAllowlist         bool
	AuthzSettings           inbound.AuthzSettings
	PollTimeoutSeconds      int
	ForegroundTimeoutMs     int64
	RPCPromptTimeoutSeconds int64
	BackgroundEligibleSlash map[string]bool
	SessionCwd              string
	SessionPath             string
	// QuietHoursExpr is an optional cron expression (e.g. "0-59 22-23 * * *")
	// during which pollOnce skips with reasonQuietHours instead of polling.
	QuietHoursExpr string
}

// DefaultBackgroundEligibleSlash lists slash commands whose foreground
// timeout still promotes them to a background job rather than failing
// outright.
func DefaultBackgroundEligibleSlash() map[string]bool {
	return map[string]bool{"plan": true, "code": true, "sop": true}
}

// PollOutcome is pollOnce's result.
type PollOutcome struct {
	Skipped bool
	Reason  string
	Err     error
	Updates int
}

// pendingOutbound is a convenience alias used across worker files.
type pendingOutbound = queue.OutboundItem
