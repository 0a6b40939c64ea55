package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// defaultTerminalOutputLimit bounds a host terminal's captured output when
// the caller does not request a specific limit (spec §4.H).
const defaultTerminalOutputLimit = 1 * 1024 * 1024

// hostTerminal tracks one command spawned on behalf of an agent's
// terminal/create callback. Unlike commandProcess (ProcessRunner), stdout
// and stderr are interleaved into a single buffer, matching the ACP
// terminal/output contract of one "output" string per terminal.
type hostTerminal struct {
	id         string
	sessionID  string
	command    string
	args       []string
	cwd        string
	cmd        *exec.Cmd
	outputCap  int64
	killedOnce sync.Once

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	exited    bool
	exitCode  *int
	signal    *string
	doneCh    chan struct{}
}

func (t *hostTerminal) appendOutput(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if int64(t.buf.Len()) > t.outputCap {
		overflow := int64(t.buf.Len()) - t.outputCap
		t.buf.Next(int(overflow))
		t.truncated = true
	}
}

func (t *hostTerminal) snapshot() (output string, truncated bool, exited bool, exitCode *int, signal *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String(), t.truncated, t.exited, t.exitCode, t.signal
}

func (t *hostTerminal) finish(exitCode *int, signal *string) {
	t.mu.Lock()
	t.exited = true
	t.exitCode = exitCode
	t.signal = signal
	t.mu.Unlock()
	close(t.doneCh)
}

// TerminalNotifier is called as a host terminal's lifecycle advances, so the
// owning process.Manager can surface terminal_created/terminal_output/
// terminal_exited events on the canonical update stream (spec §6).
type TerminalNotifier interface {
	TerminalCreated(sessionID, terminalID, command string, args []string)
	TerminalOutputReceived(sessionID, terminalID, data string)
	TerminalExited(sessionID, terminalID string, exitCode *int)
}

// TerminalService executes commands on behalf of an agent's ACP terminal/*
// callbacks (spec §4.H). It is the host-capability counterpart to
// ProcessRunner: ProcessRunner serves agent-triggered scripts the broker
// itself starts, while TerminalService serves commands the connected agent
// explicitly asks the host to run and later polls or waits on.
type TerminalService struct {
	logger   *logger.Logger
	workDir  string
	notifier TerminalNotifier

	mu        sync.RWMutex
	terminals map[string]*hostTerminal
}

// NewTerminalService constructs a TerminalService rooted at workDir. Relative
// cwd values passed to CreateTerminal resolve against workDir.
func NewTerminalService(workDir string, log *logger.Logger) *TerminalService {
	return &TerminalService{
		logger:    log.WithFields(zap.String("component", "terminal-service")),
		workDir:   workDir,
		terminals: make(map[string]*hostTerminal),
	}
}

// SetNotifier wires the callback used to publish terminal lifecycle events.
// Must be called before CreateTerminal is first invoked to avoid missing the
// terminal_created notification for an in-flight call.
func (s *TerminalService) SetNotifier(n TerminalNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// CreateTerminal starts command with args and returns a terminal ID for
// subsequent TerminalOutput/WaitForExit/KillTerminal/ReleaseTerminal calls.
func (s *TerminalService) CreateTerminal(ctx context.Context, sessionID, command string, args []string, cwd string, env map[string]string, outputByteLimit int64) (string, error) {
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	dir := s.resolveCwd(cwd)
	limit := outputByteLimit
	if limit <= 0 {
		limit = defaultTerminalOutputLimit
	}

	id := uuid.New().String()
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	term := &hostTerminal{
		id:        id,
		sessionID: sessionID,
		command:   command,
		args:      args,
		cwd:       dir,
		cmd:       cmd,
		outputCap: limit,
		doneCh:    make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting terminal command: %w", err)
	}

	s.mu.Lock()
	s.terminals[id] = term
	notifier := s.notifier
	s.mu.Unlock()

	s.logger.Debug("terminal created",
		zap.String("terminal_id", id),
		zap.String("session_id", sessionID),
		zap.String("command", command),
	)
	if notifier != nil {
		notifier.TerminalCreated(sessionID, id, command, args)
	}

	go s.pump(term, stdout, notifier)
	go s.pump(term, stderr, notifier)
	go s.wait(term, notifier)

	return id, nil
}

func (s *TerminalService) pump(term *hostTerminal, r io.Reader, notifier TerminalNotifier) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			term.appendOutput(chunk)
			if notifier != nil {
				notifier.TerminalOutputReceived(term.sessionID, term.id, string(chunk))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *TerminalService) wait(term *hostTerminal, notifier TerminalNotifier) {
	err := term.cmd.Wait()
	exitCode, signal := exitStatusOf(err)
	term.finish(exitCode, signal)

	s.logger.Debug("terminal exited",
		zap.String("terminal_id", term.id),
		zap.String("session_id", term.sessionID),
	)
	if notifier != nil {
		notifier.TerminalExited(term.sessionID, term.id, exitCode)
	}
}

// exitStatusOf extracts a process exit code and, if the process was killed by
// a signal rather than exiting normally, the signal name.
func exitStatusOf(err error) (exitCode *int, signal *string) {
	if err == nil {
		code := 0
		return &code, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		code := 1
		return &code, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			name := ws.Signal().String()
			return nil, &name
		}
		code := ws.ExitStatus()
		return &code, nil
	}
	code := exitErr.ExitCode()
	return &code, nil
}

func (s *TerminalService) resolveCwd(cwd string) string {
	if cwd == "" {
		return s.workDir
	}
	if filepath.IsAbs(cwd) {
		return cwd
	}
	return filepath.Join(s.workDir, cwd)
}

func (s *TerminalService) get(id string) (*hostTerminal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.terminals[id]
	return t, ok
}

// TerminalOutput returns the output captured so far for terminalID.
func (s *TerminalService) TerminalOutput(ctx context.Context, terminalID string) (output string, truncated bool, exited bool, exitCode *int, signal *string, err error) {
	term, ok := s.get(terminalID)
	if !ok {
		return "", false, false, nil, nil, fmt.Errorf("terminal not found: %s", terminalID)
	}
	output, truncated, exited, exitCode, signal = term.snapshot()
	return output, truncated, exited, exitCode, signal, nil
}

// WaitForExit blocks until terminalID's command exits.
func (s *TerminalService) WaitForExit(ctx context.Context, terminalID string) (exitCode *int, signal *string, err error) {
	term, ok := s.get(terminalID)
	if !ok {
		return nil, nil, fmt.Errorf("terminal not found: %s", terminalID)
	}
	select {
	case <-term.doneCh:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	_, _, _, exitCode, signal = term.snapshot()
	return exitCode, signal, nil
}

// KillTerminal signals terminalID's process group to terminate without
// releasing the terminal; its captured output remains readable afterward.
func (s *TerminalService) KillTerminal(ctx context.Context, terminalID string) error {
	term, ok := s.get(terminalID)
	if !ok {
		return fmt.Errorf("terminal not found: %s", terminalID)
	}
	s.killProcessGroup(term)
	return nil
}

func (s *TerminalService) killProcessGroup(term *hostTerminal) {
	term.killedOnce.Do(func() {
		if term.cmd == nil || term.cmd.Process == nil {
			return
		}
		pgid, err := syscall.Getpgid(term.cmd.Process.Pid)
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = term.cmd.Process.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-term.doneCh:
			case <-time.After(2 * time.Second):
				if err == nil {
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
				} else {
					_ = term.cmd.Process.Kill()
				}
			}
		}()
	})
}

// ReleaseTerminal terminates terminalID's command if still running and frees
// its resources. Idempotent: releasing an unknown or already-released
// terminal is not an error.
func (s *TerminalService) ReleaseTerminal(ctx context.Context, terminalID string) error {
	term, ok := s.get(terminalID)
	if !ok {
		return nil
	}
	s.killProcessGroup(term)

	s.mu.Lock()
	delete(s.terminals, terminalID)
	s.mu.Unlock()
	return nil
}

// ReleaseAll releases every outstanding terminal, used during session
// shutdown (spec §3).
func (s *TerminalService) ReleaseAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.terminals))
	for id := range s.terminals {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_ = s.ReleaseTerminal(ctx, id)
	}
}
