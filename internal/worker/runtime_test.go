package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/approvals"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/jobs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/rpc"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/sessionmap"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/trigger"
)

type fakeTelegram struct {
	updates     []telego.Update
	getErr      error
	sendErr     error
	sent        []string
	sendCalls   int
	downloaded  []byte
	downloadMT  string
	downloadErr error
}

func (f *fakeTelegram) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telego.Update, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	updates := f.updates
	f.updates = nil
	return updates, nil
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID *int64, messageThreadID *int64, parseMode string) error {
	f.sendCalls++
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTelegram) SendChatAction(ctx context.Context, chatID int64, action string, messageThreadID *int64) error {
	return nil
}

func (f *fakeTelegram) SendVoice(ctx context.Context, chatID int64, audio []byte, mimeType string, messageThreadID *int64) error {
	return nil
}

func (f *fakeTelegram) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.downloaded, f.downloadMT, nil
}

func (f *fakeTelegram) Username() string { return "rho_bot" }

type fakePromptRunner struct {
	text string
	err  error

	cancelled []string
}

func (f *fakePromptRunner) RunPrompt(ctx context.Context, sessionFile, sessionPath, cwd, botUsername, message string, timeout time.Duration, images []string) (string, error) {
	return f.text, f.err
}

func (f *fakePromptRunner) CancelSession(sessionFile, reason string) error {
	f.cancelled = append(f.cancelled, sessionFile)
	return nil
}

type fakeSTT struct {
	text string
	err  error
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeTTS struct{}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	return []byte("audio"), "audio/ogg", nil
}

func newTestRuntime(t *testing.T, tg TelegramClient, prompt PromptRunner) (*Runtime, string) {
	t.Helper()
	dir := t.TempDir()

	in, err := queue.NewInbound(filepath.Join(dir, "inbound.json"))
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	out, err := queue.NewOutbound(filepath.Join(dir, "outbound.json"))
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	sessions, err := sessionmap.New(filepath.Join(dir, "sessions.json"), filepath.Join(dir, "sessions"), dir)
	if err != nil {
		t.Fatalf("sessionmap.New: %v", err)
	}
	approvalStore, err := approvals.New(filepath.Join(dir, "approvals.json"))
	if err != nil {
		t.Fatalf("approvals.New: %v", err)
	}
	jobStore, err := jobs.Load(filepath.Join(dir, "jobs.json"))
	if err != nil {
		t.Fatalf("jobs.Load: %v", err)
	}

	cfg := Config{
		BotUsername:             "rho_bot",
		StrictAllowlist:         false,
		PollTimeoutSeconds:      1,
		ForegroundTimeoutMs:     50,
		BackgroundEligibleSlash: DefaultBackgroundEligibleSlash(),
		SessionCwd:              dir,
		SessionPath:             dir,
	}

	r := New(cfg, Deps{
		Telegram:         tg,
		STT:              &fakeSTT{},
		TTS:              &fakeTTS{},
		Prompt:           prompt,
		Inbound:          in,
		Outbound:         out,
		Sessions:         sessions,
		Approvals:        approvalStore,
		Jobs:             jobStore,
		RuntimeStatePath: filepath.Join(dir, "runtime_state.json"),
		TriggerPath:      filepath.Join(dir, "check_trigger.json"),
	})
	return r, dir
}

func textUpdate(updateID, chatID int, userID int64, text string) telego.Update {
	return telego.Update{
		UpdateID: updateID,
		Message: &telego.Message{
			MessageID: 1,
			Chat:      telego.Chat{ID: int64(chatID), Type: "private"},
			From:      &telego.User{ID: userID},
			Text:      text,
			Date:      1700000000,
		},
	}
}

func TestPollOnceSkipsWhenAlreadyInFlight(t *testing.T) {
	tg := &fakeTelegram{}
	r, _ := newTestRuntime(t, tg, &fakePromptRunner{text: "ok"})

	r.inFlight.Lock()
	outcome := r.PollOnce(context.Background(), false)
	r.inFlight.Unlock()

	if !outcome.Skipped || outcome.Reason != reasonAlreadyInFlight {
		t.Fatalf("expected already_in_flight skip, got %+v", outcome)
	}
}

func TestPollOnceEnqueuesAuthorizedTextMessageAndReplies(t *testing.T) {
	tg := &fakeTelegram{updates: []telego.Update{textUpdate(1, 100, 1, "hello")}}
	prompt := &fakePromptRunner{text: "hi back"}
	r, _ := newTestRuntime(t, tg, prompt)

	outcome := r.PollOnce(context.Background(), false)
	if outcome.Err != nil {
		t.Fatalf("PollOnce: %v", outcome.Err)
	}
	if outcome.Updates != 1 {
		t.Fatalf("expected 1 update processed, got %d", outcome.Updates)
	}

	if len(tg.sent) != 1 || tg.sent[0] != "hi back" {
		t.Fatalf("expected the reply to have been flushed to telegram, got %+v", tg.sent)
	}
}

func TestPollOnceDeniedByAllowlistEnqueuesApprovalPin(t *testing.T) {
	tg := &fakeTelegram{updates: []telego.Update{textUpdate(1, 100, 1, "hello")}}
	r, _ := newTestRuntime(t, tg, &fakePromptRunner{text: "unused"})
	r.cfg.StrictAllowlist = true
	r.cfg.AuthzSettings.AllowedChatIDs = []int64{999}

	r.PollOnce(context.Background(), false)

	entry, found, err := r.approvals.Approve(firstPIN(t, r))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !found {
		t.Fatal("expected a pending approval entry to have been created")
	}
	if entry.ChatID != 100 {
		t.Fatalf("unexpected approval chat id: %+v", entry)
	}
	if len(tg.sent) != 1 {
		t.Fatalf("expected one PIN notice sent, got %+v", tg.sent)
	}
}

// firstPIN digs the PIN out of the single pending approval, since the test
// only needs to prove one was created and is approvable.
func firstPIN(t *testing.T, r *Runtime) string {
	t.Helper()
	items := r.outbound.Load()
	if len(items) != 0 {
		t.Fatalf("expected the PIN notice to already have been flushed, found %+v", items)
	}
	// Re-derive by scanning the approvals store directly isn't exposed;
	// instead reuse Upsert's idempotence: a second Upsert for the same
	// actor returns the existing entry without minting a new PIN.
	entry, created, err := r.approvals.Upsert(100, ptr(int64(1)), "chat_not_allowed", time.Now())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created {
		t.Fatal("expected the approval to already exist from PollOnce")
	}
	return entry.PIN
}

func ptr(v int64) *int64 { return &v }

func TestRunForegroundPromptPromotesNonSlashTimeoutToBackgroundJob(t *testing.T) {
	tg := &fakeTelegram{}
	prompt := &fakePromptRunner{err: fmt.Errorf("wrap: %w", rpc.ErrTimeout)}
	r, _ := newTestRuntime(t, tg, prompt)

	env := queue.Envelope{ChatID: 100, ChatType: queue.ChatPrivate, Text: "do a long thing", MessageID: 1}
	resolution, err := r.sessions.Resolve(env, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	item := queue.InboundItem{Envelope: env, SessionKey: resolution.SessionKey, SessionFile: resolution.SessionFile}

	r.runForegroundPrompt(context.Background(), item, item.Text, true)

	queued := r.jobs.NextQueued()
	if queued == nil {
		t.Fatal("expected a background job to have been enqueued")
	}
	if queued.PromptText != "do a long thing" {
		t.Fatalf("unexpected job prompt: %+v", queued)
	}

	out := r.outbound.Load()
	if len(out) != 1 {
		t.Fatalf("expected one background-promotion notice, got %+v", out)
	}
}

func TestFlushOutboundQueueRetriesRetryableFailureThenSends(t *testing.T) {
	tg := &fakeTelegram{sendErr: &TelegramAPIError{StatusCode: 500, Err: errors.New("server error")}}
	r, _ := newTestRuntime(t, tg, &fakePromptRunner{})

	if err := r.outbound.Enqueue(queue.OutboundItem{ChatID: 1, Text: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r.flushOutboundQueue(context.Background())
	remaining := r.outbound.Load()
	if len(remaining) != 1 || remaining[0].Attempts != 1 {
		t.Fatalf("expected the item to remain queued with attempts=1, got %+v", remaining)
	}
	if remaining[0].NotBeforeMs <= 0 {
		t.Fatalf("expected notBeforeMs to be set, got %+v", remaining[0])
	}

	// Force the retry to be due and flush again; this time send succeeds.
	remaining[0].NotBeforeMs = 0
	if err := r.outbound.Save(remaining); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.flushOutboundQueue(context.Background())
	if len(r.outbound.Load()) != 0 {
		t.Fatalf("expected the item to be gone after a successful send")
	}
	if len(tg.sent) != 1 || tg.sent[0] != "hello" {
		t.Fatalf("expected the message to have been sent, got %+v", tg.sent)
	}
}

func TestPollOnceSkipsDuringQuietHours(t *testing.T) {
	tg := &fakeTelegram{updates: []telego.Update{textUpdate(1, 100, 1, "hello")}}
	r, _ := newTestRuntime(t, tg, &fakePromptRunner{text: "unused"})

	fixed := time.Date(2026, 7, 30, 22, 30, 0, 0, time.UTC)
	r.nowFn = func() time.Time { return fixed }
	r.cfg.QuietHoursExpr = "0-59 22-23 * * *"

	outcome := r.PollOnce(context.Background(), false)
	if !outcome.Skipped || outcome.Reason != reasonQuietHours {
		t.Fatalf("expected a quiet_hours skip, got %+v", outcome)
	}
	if len(tg.sent) != 0 {
		t.Fatalf("expected no activity during quiet hours, got %+v", tg.sent)
	}
}

func TestHandleCheckTriggerRunsSilentPollOnTrigger(t *testing.T) {
	tg := &fakeTelegram{updates: []telego.Update{textUpdate(1, 100, 1, "hello")}}
	r, dir := newTestRuntime(t, tg, &fakePromptRunner{text: "triggered reply"})

	req := trigger.Request{RequestedAt: time.Now().UnixMilli(), RequesterPID: 1, RequesterRole: trigger.RoleLeader, Source: "admin"}
	if err := trigger.Write(filepath.Join(dir, "check_trigger.json"), req); err != nil {
		t.Fatalf("trigger.Write: %v", err)
	}

	r.HandleCheckTrigger(context.Background())
	if len(tg.sent) != 1 || tg.sent[0] != "triggered reply" {
		t.Fatalf("expected the silent poll to have replied, got %+v", tg.sent)
	}

	// The trigger file is consumed (deleted) on success; a second call
	// with no new updates must be a no-op, not re-trigger.
	tg.sent = nil
	r.HandleCheckTrigger(context.Background())
	if len(tg.sent) != 0 {
		t.Fatalf("expected no further activity on a re-consumed trigger, got %+v", tg.sent)
	}
}
