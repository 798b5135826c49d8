package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/jobs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/obs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/rpc"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/slash"
)

const (
	maxDownloadBytes = 5 * 1024 * 1024
	imageFetchTries  = 3
)

// drainInboundQueue processes the pending inbound queue, honoring the
// invariant that at most one item per sessionFile is in flight at a time:
// items sharing a sessionFile with one already dispatched this pass are
// left in the queue for the next call.
func (r *Runtime) drainInboundQueue(ctx context.Context, silent bool) {
	items := r.inbound.Load()
	if len(items) == 0 {
		return
	}

	ctx, end := obs.StartSpan(ctx, "worker.drainInboundQueue")
	defer func() { end(nil) }()

	dispatched := map[string]bool{}
	remaining := make([]queue.InboundItem, 0, len(items))

	for _, item := range items {
		if dispatched[item.SessionFile] {
			remaining = append(remaining, item)
			continue
		}
		dispatched[item.SessionFile] = true
		r.processInboundItem(ctx, item, silent)
	}

	if err := r.inbound.Save(remaining); err != nil {
		slog.Error("worker: persist inbound queue after drain", "component", "worker", "error", err)
	}
}

func (r *Runtime) processInboundItem(ctx context.Context, item queue.InboundItem, silent bool) {
	switch {
	case item.Media != nil && isAudioKind(item.Media.Kind):
		r.processAudio(ctx, item, silent)
	case item.Media != nil && isImageKind(item.Media.Kind):
		r.processImage(ctx, item, silent)
	default:
		r.processText(ctx, item, silent)
	}
}

func isAudioKind(k queue.MediaKind) bool {
	return k == queue.MediaVoice || k == queue.MediaAudio || k == queue.MediaDocumentAudio
}

func isImageKind(k queue.MediaKind) bool {
	return k == queue.MediaPhoto || k == queue.MediaDocumentImage
}

func (r *Runtime) processAudio(ctx context.Context, item queue.InboundItem, silent bool) {
	if !silent {
		_ = r.telegram.SendChatAction(ctx, item.ChatID, "typing", item.MessageThreadID)
	}

	audio, mimeType, err := r.telegram.DownloadFile(ctx, item.Media.FileID, maxDownloadBytes)
	if err != nil {
		r.replyError(item, "Could not download that audio message.")
		return
	}

	transcript, err := r.stt.Transcribe(ctx, audio, mimeType)
	if err != nil {
		var keyErr *APIKeyError
		if errors.As(err, &keyErr) {
			r.replyError(item, "Speech-to-text is misconfigured: check the provider API key.")
			return
		}
		r.replyError(item, "Could not transcribe that audio message.")
		return
	}

	r.runForegroundPrompt(ctx, item, transcript, true)
}

func (r *Runtime) processImage(ctx context.Context, item queue.InboundItem, silent bool) {
	var data []byte
	var mimeType string
	var err error
	for attempt := 0; attempt < imageFetchTries; attempt++ {
		data, mimeType, err = r.telegram.DownloadFile(ctx, item.Media.FileID, maxDownloadBytes)
		if err == nil {
			break
		}
		time.Sleep(time.Duration(500+attempt*250) * time.Millisecond)
	}
	if err != nil {
		r.replyError(item, "Could not download that image after retrying. Please resend it.")
		return
	}
	if len(data) > maxDownloadBytes {
		r.replyError(item, "That image is too large (over 5 MiB).")
		return
	}

	if !silent {
		_ = r.telegram.SendChatAction(ctx, item.ChatID, "typing", item.MessageThreadID)
	}

	encoded := encodeBase64(data, mimeType)
	text := item.Text
	if text == "" {
		text = "(image attached)"
	}
	prefixed := prefixMessage(item, text, r.now())

	ctxTimeout, cancel := context.WithTimeout(ctx, r.foregroundTimeout())
	defer cancel()
	result, err := r.prompt.RunPrompt(ctxTimeout, item.SessionFile, r.cfg.SessionPath, r.cfg.SessionCwd, r.cfg.BotUsername, prefixed, r.foregroundTimeout(), []string{encoded})
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			// Per spec: image prompts never promote to background on
			// timeout; ask the user to retry instead.
			r.replyError(item, "That image is taking longer than expected. Please try again.")
			return
		}
		r.replyError(item, "Something went wrong processing that image.")
		return
	}
	r.enqueueReply(item, result)
}

func (r *Runtime) processText(ctx context.Context, item queue.InboundItem, silent bool) {
	parsed := slash.Parse(item.Text)
	if parsed.Kind == slash.KindSlash {
		name := slash.StripMentionSuffix(parsed.CommandName, r.cfg.BotUsername)
		name = slash.ResolveAlias(name)
		if slash.IsLocal(name) {
			r.handleLocalCommand(ctx, item, name, parsed.Args)
			return
		}
		r.runForegroundPrompt(ctx, item, item.Text, silent)
		return
	}

	prefixed := prefixMessage(item, item.Text, r.now())
	r.runForegroundPrompt(ctx, item, prefixed, silent)
}

// runForegroundPrompt runs message through C9 with the foreground timeout,
// promoting to a background job when it times out (audio transcripts and
// non-slash/background-eligible-slash text prompts only).
func (r *Runtime) runForegroundPrompt(ctx context.Context, item queue.InboundItem, message string, silent bool) {
	if !silent {
		_ = r.telegram.SendChatAction(ctx, item.ChatID, "typing", item.MessageThreadID)
	}

	timeout := r.foregroundTimeout()
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.prompt.RunPrompt(ctxTimeout, item.SessionFile, r.cfg.SessionPath, r.cfg.SessionCwd, r.cfg.BotUsername, message, timeout, nil)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) && r.backgroundEligible(message) {
			if jobErr := r.forkBackground(item, message); jobErr != nil {
				slog.Error("worker: fork background job", "component", "worker", "error", jobErr)
			}
			return
		}
		r.replyError(item, fmt.Sprintf("Something went wrong: %s", err))
		return
	}
	r.enqueueReply(item, result)
}

// backgroundEligible reports whether message's timeout should promote to a
// background job: any non-slash prompt, or one of the background-eligible
// slash commands (plan/code/sop).
func (r *Runtime) backgroundEligible(message string) bool {
	parsed := slash.Parse(message)
	if parsed.Kind != slash.KindSlash {
		return true
	}
	name := slash.StripMentionSuffix(parsed.CommandName, r.cfg.BotUsername)
	name = slash.ResolveAlias(name)
	return r.cfg.BackgroundEligibleSlash[name]
}

// forkBackground rotates the caller's session file, best-effort cancels
// the old one, and enqueues a fresh queued job to run the prompt
// unboundedly via jobs.Pump.
func (r *Runtime) forkBackground(item queue.InboundItem, message string) error {
	resolution, previous, err := r.sessions.Reset(item.Envelope, r.cfg.ThreadedMode)
	if err != nil {
		return fmt.Errorf("worker: reset session for background fork: %w", err)
	}
	if previous != "" {
		if err := r.prompt.CancelSession(previous, "promoted to background job"); err != nil {
			slog.Warn("worker: best-effort cancel of forked session", "component", "worker", "error", err)
		}
	}

	job := &jobs.Job{
		ID:              uuid.NewString(),
		ChatID:          item.ChatID,
		UserID:          item.UserID,
		MessageID:       item.MessageID,
		MessageThreadID: item.MessageThreadID,
		SessionKey:      resolution.SessionKey,
		SessionFile:     resolution.SessionFile,
		PromptText:      message,
		CreatedAtMs:     r.now().UnixMilli(),
	}
	if err := r.jobs.Enqueue(job); err != nil {
		return err
	}
	return r.outbound.Enqueue(queue.OutboundItem{
		ChatID:          item.ChatID,
		MessageThreadID: item.MessageThreadID,
		Text:            fmt.Sprintf("⏳ This is now running as a background job. I'll post updates here. Use /jobs to monitor or /cancel <job-id> to stop.\nJob ID: %s", job.ID),
	})
}

func (r *Runtime) foregroundTimeout() time.Duration {
	ms := r.cfg.ForegroundTimeoutMs
	if ms <= 0 {
		ms = r.cfg.RPCPromptTimeoutSeconds * 1000
	}
	if ms <= 0 {
		ms = 30_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Runtime) replyError(item queue.InboundItem, text string) {
	if err := r.outbound.Enqueue(queue.OutboundItem{
		ChatID:           item.ChatID,
		ReplyToMessageID: &item.MessageID,
		MessageThreadID:  item.MessageThreadID,
		Text:             text,
	}); err != nil {
		slog.Error("worker: enqueue error reply", "component", "worker", "error", err)
	}
}

func (r *Runtime) enqueueReply(item queue.InboundItem, text string) {
	if err := r.outbound.Enqueue(queue.OutboundItem{
		ChatID:           item.ChatID,
		ReplyToMessageID: &item.MessageID,
		MessageThreadID:  item.MessageThreadID,
		Text:             text,
	}); err != nil {
		slog.Error("worker: enqueue reply", "component", "worker", "error", err)
	}
}

// prefixMessage prepends the "[msg:<chat>:<msgId>] [<localTs>]" marker the
// agent uses to correlate replies with the originating message, skipped
// for anything that already starts with "/" (slash commands carry their
// own routing).
func prefixMessage(item queue.InboundItem, text string, now time.Time) string {
	if strings.HasPrefix(text, "/") {
		return text
	}
	return fmt.Sprintf("[msg:%d:%d] [%s]\n%s", item.ChatID, item.MessageID, now.Format(time.RFC3339), text)
}

func encodeBase64(data []byte, mimeType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func (r *Runtime) handleLocalCommand(ctx context.Context, item queue.InboundItem, name, args string) {
	switch name {
	case "jobs":
		r.enqueueReply(item, r.renderJobsList(item.ChatID))
	case "job":
		r.enqueueReply(item, r.renderJobDetails(args))
	case "cancel":
		r.enqueueReply(item, r.handleCancelCommand(args))
	case "tts":
		r.handleTTSCommand(ctx, item, args)
	}
}

func (r *Runtime) renderJobsList(chatID int64) string {
	all := r.jobs.ForChat(chatID)
	if len(all) == 0 {
		return "No jobs for this chat yet."
	}
	if len(all) > 10 {
		all = all[:10]
	}
	var b strings.Builder
	b.WriteString("Recent jobs:\n")
	for _, j := range all {
		fmt.Fprintf(&b, "- %s [%s]\n", j.ID, j.Status)
	}
	return b.String()
}

func (r *Runtime) renderJobDetails(id string) string {
	id = strings.TrimSpace(id)
	j, ok := r.jobs.Get(id)
	if !ok {
		return fmt.Sprintf("No job found with id %q.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s\n", j.ID, j.Status)
	if j.ResultText != "" {
		fmt.Fprintf(&b, "\n%s", j.ResultText)
	}
	if j.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", j.Error)
	}
	return b.String()
}

func (r *Runtime) handleCancelCommand(id string) string {
	id = strings.TrimSpace(id)
	j, ok := r.jobs.Get(id)
	if !ok {
		return fmt.Sprintf("No job found with id %q.", id)
	}
	if _, err := r.jobs.Cancel(id, r.now().UnixMilli()); err != nil {
		return fmt.Sprintf("Could not cancel job %s: %s", id, err)
	}
	if err := r.prompt.CancelSession(j.SessionFile, "cancelled by user"); err != nil {
		slog.Warn("worker: best-effort cancel for /cancel", "component", "worker", "error", err)
	}
	return fmt.Sprintf("Cancelled job %s.", id)
}

func (r *Runtime) handleTTSCommand(ctx context.Context, item queue.InboundItem, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		r.replyError(item, "Usage: /tts <text>")
		return
	}
	_ = r.telegram.SendChatAction(ctx, item.ChatID, "record_voice", item.MessageThreadID)
	audio, mimeType, err := r.tts.Synthesize(ctx, text)
	if err != nil {
		r.replyError(item, "Text-to-speech failed.")
		return
	}
	_ = r.telegram.SendChatAction(ctx, item.ChatID, "upload_voice", item.MessageThreadID)
	if err := r.telegram.SendVoice(ctx, item.ChatID, audio, mimeType, item.MessageThreadID); err != nil {
		slog.Error("worker: send voice reply", "component", "worker", "error", err)
	}
}
