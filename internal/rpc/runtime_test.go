package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

// fakeAgent simulates a subprocess over in-memory pipes: it reads
// commands from the worker and lets the test drive scripted responses.
type fakeAgent struct {
	toWorker   io.WriteCloser // test writes events the "subprocess" emits
	fromWorker *bufio.Scanner // test reads commands the worker sent
	stderrW    io.WriteCloser
}

func newFakeSpawner(t *testing.T) (spawner, func() *fakeAgent) {
	t.Helper()
	var agent *fakeAgent

	sp := spawner(func(ctx context.Context, sessionFile string) (*proc, error) {
		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()

		agent = &fakeAgent{
			toWorker:   stdoutW,
			fromWorker: bufio.NewScanner(stdinR),
			stderrW:    stderrW,
		}
		go func() {
			// Drain stderr so the session's drainStderr goroutine doesn't block forever.
			buf := make([]byte, 1024)
			for {
				if _, err := stderrR.Read(buf); err != nil {
					return
				}
			}
		}()

		return &proc{
			stdin:  stdinW,
			stdout: stdoutR,
			stderr: stderrR,
			kill:   func() error { stdinW.Close(); stdoutW.Close(); return nil },
		}, nil
	})

	return sp, func() *fakeAgent { return agent }
}

func (a *fakeAgent) nextCommand(t *testing.T) map[string]any {
	t.Helper()
	if !a.fromWorker.Scan() {
		t.Fatalf("expected a command, scanner stopped: %v", a.fromWorker.Err())
	}
	var m map[string]any
	if err := json.Unmarshal(a.fromWorker.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	return m
}

func (a *fakeAgent) emit(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	data = append(data, '\n')
	if _, err := a.toWorker.Write(data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func TestRunPromptBasicEcho(t *testing.T) {
	sp, getAgent := newFakeSpawner(t)
	rt := New(sp)

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := rt.RunPrompt(context.Background(), "session-1.jsonl", "/path/to/session-1.jsonl", "/work", "rho_bot", "hi", 5*time.Second, nil)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- text
	}()

	agent := waitForAgent(t, getAgent)
	_ = agent.nextCommand(t) // switch_session
	_ = agent.nextCommand(t) // get_state
	promptCmd := agent.nextCommand(t)
	id, _ := promptCmd["id"].(string)
	if promptCmd["message"] != "hi" {
		t.Fatalf("expected prompt message 'hi', got %+v", promptCmd)
	}

	agent.emit(t, map[string]any{"type": "response", "command": "prompt", "id": id, "success": true})
	agent.emit(t, map[string]any{
		"type":    "message_end",
		"message": map[string]any{"role": "assistant", "content": []map[string]any{{"type": "text", "text": "hello"}}},
	})
	agent.emit(t, map[string]any{"type": "agent_end"})

	select {
	case text := <-resultCh:
		if text != "hello" {
			t.Fatalf("expected reply 'hello', got %q", text)
		}
	case err := <-errCh:
		t.Fatalf("RunPrompt failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RunPrompt result")
	}
}

func TestRunPromptRejectsWhenBusy(t *testing.T) {
	sp, getAgent := newFakeSpawner(t)
	rt := New(sp)

	firstDone := make(chan struct{})
	go func() {
		rt.RunPrompt(context.Background(), "session-1.jsonl", "/p", "/work", "rho_bot", "first", 5*time.Second, nil)
		close(firstDone)
	}()

	agent := waitForAgent(t, getAgent)
	_ = agent.nextCommand(t)
	_ = agent.nextCommand(t)
	_ = agent.nextCommand(t) // first prompt, left unresolved (in flight)

	_, err := rt.RunPrompt(context.Background(), "session-1.jsonl", "/p", "/work", "rho_bot", "second", 5*time.Second, nil)
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRunPromptSlashAckSynthesized(t *testing.T) {
	sp, getAgent := newFakeSpawner(t)
	rt := New(sp)

	resultCh := make(chan string, 1)
	go func() {
		text, err := rt.RunPrompt(context.Background(), "session-1.jsonl", "/p", "/work", "rho_bot", "/status", 5*time.Second, nil)
		if err != nil {
			resultCh <- "ERROR:" + err.Error()
			return
		}
		resultCh <- text
	}()

	agent := waitForAgent(t, getAgent)
	_ = agent.nextCommand(t) // switch_session
	_ = agent.nextCommand(t) // get_state

	discoverCmd := agent.nextCommand(t)
	discoverID, _ := discoverCmd["id"].(string)
	if discoverCmd["type"] != "get_commands" {
		t.Fatalf("expected get_commands discovery, got %+v", discoverCmd)
	}
	agent.emit(t, map[string]any{
		"type": "response", "command": "get_commands", "id": discoverID, "success": true,
		"data": map[string]any{"commands": map[string]any{"status": map[string]any{"name": "status"}}},
	})

	promptCmd := agent.nextCommand(t)
	id, _ := promptCmd["id"].(string)
	agent.emit(t, map[string]any{"type": "response", "command": "prompt", "id": id, "success": true})
	// No message_end/agent_end ever arrives — the ack timer should fire.

	select {
	case text := <-resultCh:
		if text == "" || []rune(text)[0] != '✅' {
			t.Fatalf("expected a synthesized checkmark acknowledgement, got %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the synthesized slash acknowledgement")
	}
}

func waitForAgent(t *testing.T, getAgent func() *fakeAgent) *fakeAgent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := getAgent(); a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("spawner was never invoked")
	return nil
}
