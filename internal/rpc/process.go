package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
)

// ignorableStderr matches subprocess stderr noise that should not be
// surfaced in error messages or diagnostic tails.
var ignorableStderr = regexp.MustCompile(`(?i)experimentalwarning|deprecationwarning`)

const stderrTailLines = 8

// proc abstracts a spawned agent subprocess behind the stdin/stdout/stderr
// streams it actually needs, so tests can substitute in-memory pipes
// instead of a real executable.
type proc struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	kill   func() error
}

// spawner starts the agent subprocess for sessionFile. The production
// implementation execs the configured agent binary; tests inject a fake.
type spawner func(ctx context.Context, sessionFile string) (*proc, error)

// ExecSpawner returns a spawner that runs agentPath in RPC mode, one
// subprocess per session file, with recursion suppressed via
// RHO_TELEGRAM_DISABLE so the bridge's own agent invocation can't loop
// back into itself.
func ExecSpawner(agentPath string, extraEnv []string) spawner {
	return func(ctx context.Context, sessionFile string) (*proc, error) {
		cmd := exec.CommandContext(ctx, agentPath, "--mode", "rpc")
		cmd.Env = append(cmd.Env, extraEnv...)
		cmd.Env = append(cmd.Env, "RHO_TELEGRAM_DISABLE=1")

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("rpc: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("rpc: start %q: %w", agentPath, err)
		}
		return &proc{
			stdin: stdin, stdout: stdout, stderr: stderr,
			kill: func() error { return cmd.Process.Kill() },
		}, nil
	}
}

// session wraps one subprocess for one sessionFile: its write half, a
// reader goroutine dispatching events, and the pending-correlation table.
type session struct {
	sessionFile string
	p           *proc

	mu        sync.Mutex
	busy      bool
	pending   map[string]chan event // id -> resolution channel, for response/get_commands correlation
	stderrBuf []string

	commandIndex map[string]commandDescriptor

	closed chan struct{}
}

func newSession(sessionFile string, p *proc) *session {
	s := &session{
		sessionFile: sessionFile,
		p:           p,
		pending:     make(map[string]chan event),
		closed:      make(chan struct{}),
	}
	go s.readLoop()
	go s.drainStderr()
	return s
}

func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: marshal command: %w", err)
	}
	data = append(data, '\n')
	_, err = s.p.stdin.Write(data)
	return err
}

// registerPending adds id's awaiter to the pending table. A "response" is
// delivered to the awaiter with its id; message_end / agent_end carry no id
// in the protocol, so broadcastToActivePrompt delivers them to every awaiter
// in the table.
func (s *session) registerPending(id string) chan event {
	ch := make(chan event, 16)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) unregisterPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolvePending(id string, ev event) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ev
	return true
}

func (s *session) broadcastTerminal(ev event) {
	s.mu.Lock()
	ids := make([]chan event, 0, len(s.pending))
	for id, ch := range s.pending {
		ids = append(ids, ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	for _, ch := range ids {
		ch <- ev
	}
}

func (s *session) readLoop() {
	defer close(s.closed)
	scanner := bufio.NewScanner(s.p.stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("rpc: unparsable event line", "component", "rpc", "session_file", s.sessionFile, "error", err)
			continue
		}
		s.dispatch(ev)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("rpc: stdout scanner error", "component", "rpc", "session_file", s.sessionFile, "error", err)
	}
	s.broadcastTerminal(event{Type: "rpc_process_crashed", Error: "subprocess stdout closed unexpectedly"})
}

func (s *session) dispatch(ev event) {
	switch ev.Type {
	case "response":
		s.resolvePending(ev.ID, ev)
	case "message_end", "agent_end":
		s.broadcastToActivePrompt(ev)
	case "rpc_error", "rpc_process_crashed":
		s.broadcastTerminal(ev)
	default:
		// Unknown/forward-compatible event kind: ignored by design.
	}
}

// broadcastToActivePrompt delivers message_end/agent_end events to all
// pending correlators — in practice exactly one prompt is ever in flight
// per session, enforced by the busy flag in Runtime.RunPrompt.
func (s *session) broadcastToActivePrompt(ev event) {
	s.mu.Lock()
	chans := make([]chan event, 0, len(s.pending))
	for _, ch := range s.pending {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *session) drainStderr() {
	scanner := bufio.NewScanner(s.p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if ignorableStderr.MatchString(line) {
			continue
		}
		s.mu.Lock()
		s.stderrBuf = append(s.stderrBuf, line)
		if len(s.stderrBuf) > stderrTailLines {
			s.stderrBuf = s.stderrBuf[len(s.stderrBuf)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

func (s *session) stderrTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.stderrBuf))
	copy(out, s.stderrBuf)
	return out
}
