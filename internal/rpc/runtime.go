package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/obs"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/slash"
)

// ErrBusy is returned by RunPrompt when the session's subprocess already
// has a prompt in flight.
var ErrBusy = errors.New("RPC session busy")

// ErrTimeout is returned by RunPrompt when timeout elapses with no
// terminal event from the subprocess. Callers (C13) use this to decide
// whether to promote the prompt to a background job.
var ErrTimeout = errors.New("RPC prompt timed out")

// discoveryTimeout bounds a lazy get_commands call triggered by a slash
// prompt that hasn't loaded its inventory yet.
const discoveryTimeout = 5 * time.Second

// slashAckDelay is how long RunPrompt waits for assistant text after a
// slash command's "response" event before synthesizing an acknowledgement.
const slashAckDelay = 1500 * time.Millisecond

// Runtime owns the pool of subprocesses, one per session file.
type Runtime struct {
	spawn spawner

	mu       sync.Mutex
	sessions map[string]*session

	discovery singleflight.Group
}

// New returns a Runtime that spawns subprocesses via spawn.
func New(spawn spawner) *Runtime {
	return &Runtime{spawn: spawn, sessions: make(map[string]*session)}
}

func (r *Runtime) getOrSpawn(ctx context.Context, sessionFile, sessionPath, cwd string) (*session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionFile]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	p, err := r.spawn(ctx, sessionFile)
	if err != nil {
		return nil, err
	}
	s := newSession(sessionFile, p)

	if err := s.send(switchSessionCommand{Type: "switch_session", SessionFile: sessionFile, SessionPath: sessionPath, Path: cwd}); err != nil {
		return nil, fmt.Errorf("rpc: switch_session: %w", err)
	}
	if err := s.send(getStateCommand{Type: "get_state"}); err != nil {
		return nil, fmt.Errorf("rpc: get_state: %w", err)
	}

	r.mu.Lock()
	r.sessions[sessionFile] = s
	r.mu.Unlock()
	return s, nil
}

// Teardown kills and forgets the subprocess for sessionFile, if any.
func (r *Runtime) Teardown(sessionFile string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionFile]
	if ok {
		delete(r.sessions, sessionFile)
	}
	r.mu.Unlock()
	if ok {
		s.p.kill()
	}
}

// TeardownAll kills every tracked subprocess, one after another; the
// supervisor calls it once at shutdown (through worker.Dispose), with no
// deadline.
func (r *Runtime) TeardownAll() []string {
	r.mu.Lock()
	files := make([]string, 0, len(r.sessions))
	for f := range r.sessions {
		files = append(files, f)
	}
	r.mu.Unlock()
	for _, f := range files {
		r.Teardown(f)
	}
	return files
}

// GetCommands lazily discovers the agent's command inventory for
// sessionFile, sharing one in-flight request across concurrent callers.
func (r *Runtime) GetCommands(ctx context.Context, sessionFile, sessionPath, cwd string, timeout time.Duration) (map[string]commandDescriptor, error) {
	v, err, _ := r.discovery.Do(sessionFile, func() (any, error) {
		s, err := r.getOrSpawn(ctx, sessionFile, sessionPath, cwd)
		if err != nil {
			return nil, err
		}
		if s.commandIndex != nil {
			return s.commandIndex, nil
		}

		id := uuid.NewString()
		ch := s.registerPending(id)
		if err := s.send(getCommandsCommand{ID: id, Type: "get_commands"}); err != nil {
			return nil, fmt.Errorf("rpc: get_commands: %w", err)
		}

		select {
		case ev := <-ch:
			if !ev.Success {
				return nil, fmt.Errorf("rpc: get_commands failed: %s", ev.Error)
			}
			var data commandsData
			if len(ev.Data) > 0 {
				_ = json.Unmarshal(ev.Data, &data)
			}
			s.commandIndex = data.Commands
			return data.Commands, nil
		case <-time.After(timeout):
			return nil, fmt.Errorf("rpc: get_commands discovery timed out after %s", timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]commandDescriptor), nil
}

// RunPrompt runs message through the agent subprocess for sessionFile,
// returning the assistant's reply text.
func (r *Runtime) RunPrompt(ctx context.Context, sessionFile, sessionPath, cwd, botUsername, message string, timeout time.Duration, images []string) (result string, err error) {
	ctx, end := obs.StartSpan(ctx, "rpc.runPrompt",
		attribute.String("session_file", sessionFile),
		attribute.Int("image_count", len(images)),
	)
	defer func() { end(err) }()

	s, err := r.getOrSpawn(ctx, sessionFile, sessionPath, cwd)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	isSlash := false
	resolvedMessage := message
	if parsed := slash.Parse(message); parsed.Kind == slash.KindSlash {
		isSlash = true
		name := slash.StripMentionSuffix(parsed.CommandName, botUsername)
		name = slash.ResolveAlias(name)

		index, err := r.GetCommands(ctx, sessionFile, sessionPath, cwd, discoveryTimeout)
		if err != nil {
			return "", fmt.Errorf("rpc: command inventory unavailable: %w", err)
		}
		entry, ok := index[name]
		if !ok {
			return "", fmt.Errorf("rpc: unsupported command %q", name)
		}
		if entry.InteractiveOnly {
			return "", fmt.Errorf("rpc: command %q is interactive-only", name)
		}
		resolvedMessage = "/" + name + " " + parsed.Args
		resolvedMessage = strings.TrimSpace(resolvedMessage)
	}

	id := uuid.NewString()
	respCh := s.registerPending(id)
	if err := s.send(promptCommand{ID: id, Type: "prompt", Message: resolvedMessage, Images: images}); err != nil {
		return "", fmt.Errorf("rpc: send prompt: %w", err)
	}

	return r.awaitPromptResult(ctx, s, id, respCh, isSlash, resolvedMessage, timeout)
}

func (r *Runtime) awaitPromptResult(ctx context.Context, s *session, id string, respCh chan event, isSlash bool, message string, timeout time.Duration) (string, error) {
	defer s.unregisterPending(id)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var ackTimer *time.Timer
	var ackCh <-chan time.Time
	var assistantText string
	var accepted bool
	defer func() {
		if ackTimer != nil {
			ackTimer.Stop()
		}
	}()

	for {
		var evCh <-chan time.Time
		if ackTimer != nil {
			evCh = ackCh
		}
		select {
		case ev := <-respCh:
			switch ev.Type {
			case "response":
				if !ev.Success {
					return "", fmt.Errorf("rpc: prompt rejected: %s", slashAwareError(isSlash, ev.Error))
				}
				accepted = true
				if isSlash {
					ackTimer = time.NewTimer(slashAckDelay)
					ackCh = ackTimer.C
				}
				// re-register to keep receiving message_end/agent_end on the same id channel
				respCh = s.registerPending(id)
			case "message_end":
				assistantText = extractAssistantText(ev.Message, assistantText)
			case "agent_end":
				if assistantText != "" {
					return assistantText, nil
				}
				if isSlash && accepted {
					return syntheticAck(message), nil
				}
				return "", fmt.Errorf("rpc: agent ended with no reply")
			case "rpc_error", "rpc_process_crashed":
				return "", fmt.Errorf("rpc: %s: %s (stderr: %s)", ev.Type, ev.Error, strings.Join(s.stderrTail(), " | "))
			}
		case <-evCh:
			if assistantText != "" {
				return assistantText, nil
			}
			return syntheticAck(message), nil
		case <-deadline.C:
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func extractAssistantText(raw []byte, previous string) string {
	var msg assistantMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Role != "assistant" {
		return previous
	}
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return previous
	}
	return b.String()
}

func syntheticAck(message string) string {
	return fmt.Sprintf("✅ %s executed.", message)
}

func slashAwareError(isSlash bool, msg string) string {
	if isSlash {
		return fmt.Sprintf("command failed: %s", msg)
	}
	return msg
}

// CancelSession asks the subprocess for sessionFile to abort its current
// prompt. If it doesn't react within 2s the subprocess is killed outright.
func (r *Runtime) CancelSession(sessionFile, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionFile]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	id := uuid.NewString()
	ch := s.registerPending(id)
	if err := s.send(cancelCommand{ID: id, Type: "cancel", Reason: reason}); err != nil {
		r.Teardown(sessionFile)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(2 * time.Second):
		r.Teardown(sessionFile)
		return nil
	}
}
