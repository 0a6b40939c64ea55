package shared

import "context"

// TerminalBackend executes the host-side terminal operations an agent
// requests via its ACP client callbacks (terminal/create, terminal/output,
// terminal/kill, terminal/release, terminal/wait_for_exit). It lives in the
// shared package (rather than adapter or acp) so both the generic adapter
// package and the concrete transport/protocol client packages can depend on
// the same interface without an import cycle.
type TerminalBackend interface {
	// CreateTerminal starts command with args in cwd (relative to the
	// session's workspace root if not absolute) and returns a terminal ID
	// for subsequent calls. env is merged over the broker's own
	// environment; outputByteLimit bounds how much output TerminalOutput
	// will return (0 means unbounded).
	CreateTerminal(ctx context.Context, sessionID, command string, args []string, cwd string, env map[string]string, outputByteLimit int64) (terminalID string, err error)

	// TerminalOutput returns the output captured so far and whether the
	// command has already exited (with its exit status, if so).
	TerminalOutput(ctx context.Context, terminalID string) (output string, truncated bool, exited bool, exitCode *int, signal *string, err error)

	// WaitForExit blocks until terminalID's command exits and returns its
	// status.
	WaitForExit(ctx context.Context, terminalID string) (exitCode *int, signal *string, err error)

	// KillTerminal terminates terminalID's command without releasing the
	// terminal's resources (its output remains readable afterward).
	KillTerminal(ctx context.Context, terminalID string) error

	// ReleaseTerminal terminates the command if still running and frees
	// the terminal's resources. Must be idempotent.
	ReleaseTerminal(ctx context.Context, terminalID string) error
}

// TerminalBackendSetter is an optional interface implemented by adapters
// whose underlying protocol supports host-side terminal callbacks (ACP).
// The process manager checks for this interface and injects itself as the
// TerminalBackend when present, mirroring StderrProviderSetter.
type TerminalBackendSetter interface {
	SetTerminalBackend(backend TerminalBackend)
}
