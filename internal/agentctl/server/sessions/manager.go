// Package sessions implements the Session Manager (spec §4.F): it owns the
// map from a stable external session id to the AgentProcess backing it,
// provides idempotent creation, and rejects overlapping prompts on the same
// session (spec §9 Open Question 1).
package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/routa/acp-broker/internal/agentctl/registry"
	"github.com/routa/acp-broker/internal/agentctl/server/adapter"
	"github.com/routa/acp-broker/internal/agentctl/server/config"
	"github.com/routa/acp-broker/internal/agentctl/server/mcpwriter"
	"github.com/routa/acp-broker/internal/agentctl/server/process"
	"github.com/routa/acp-broker/internal/agentctl/types"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/routa/acp-broker/internal/sysprompt"
	"github.com/routa/acp-broker/pkg/agent"
	v1 "github.com/routa/acp-broker/pkg/api/v1"
	"go.uber.org/zap"
)

// idempotencyWindow is how long a (idempotencyKey, workspaceID) pair keeps
// mapping to the same session (spec §3).
const idempotencyWindow = 30 * time.Second

// AuthRequiredError is raised when the child rejects session/new with an
// authentication-required error (spec §7). The process is kept alive so a
// retry with credentials can reuse it.
type AuthRequiredError struct {
	SessionID   string
	AuthMethods []AuthMethod
	AgentInfo   *adapter.AgentInfo
	Cause       error
}

type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required: %v", e.Cause)
}

// Session is the spec §3 Session record.
type Session struct {
	SessionID      string
	AgentSessionID string
	PresetID       string
	WorkspaceID    string
	ModeID         string
	ModelID        string
	IdempotencyKey string
	CreatedAt      time.Time
	TerminatedAt   *time.Time
}

// CreateRequest mirrors the spec §6 session/new params.
type CreateRequest struct {
	PresetID       string
	Cwd            string
	WorkspaceID    string
	ModeID         string
	ModelID        string
	IdempotencyKey string
	McpServers     []types.McpServer
	McpSupported   bool
}

type idempotencyEntry struct {
	sessionID string
	expiresAt time.Time
}

type liveSession struct {
	session        Session
	proc           *process.Manager
	promptInFlight atomic.Bool
}

// EventHandler receives every AgentEvent a live session's process produces,
// tagged with the owning session id, so the caller (the SSE fanout/trace
// recorder) doesn't need to know about process.Manager at all.
type EventHandler func(sessionID string, ev adapter.AgentEvent)

// Manager is the Session Manager (spec §4.F). It is the only component that
// owns AgentProcess (here: process.Manager) lifetimes.
type Manager struct {
	logger   *logger.Logger
	catalog  *registry.Catalog
	mcp      *mcpwriter.Writer
	mcpURL   string
	onEvent  EventHandler

	mu       sync.RWMutex
	sessions map[string]*liveSession
	idem     map[string]idempotencyEntry
}

// New constructs a Session Manager.
func New(catalog *registry.Catalog, mcp *mcpwriter.Writer, mcpURL string, onEvent EventHandler, log *logger.Logger) *Manager {
	return &Manager{
		logger:   log.WithFields(zap.String("component", "session-manager")),
		catalog:  catalog,
		mcp:      mcp,
		mcpURL:   mcpURL,
		onEvent:  onEvent,
		sessions: make(map[string]*liveSession),
		idem:     make(map[string]idempotencyEntry),
	}
}

// CreateSession resolves a preset, spawns its AgentProcess, and runs the
// initialize -> session/new handshake. Idempotent per (idempotencyKey,
// workspaceID) within a 30s window (spec §3, §8).
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if key, ok := m.idempotencyKey(req); ok {
		if existing, found := m.lookupIdempotent(key); found {
			return existing, nil
		}
	}

	session, proc, err := m.spawn(ctx, req)
	if err != nil {
		return nil, err
	}

	live := &liveSession{session: *session, proc: proc}

	m.mu.Lock()
	m.sessions[session.SessionID] = live
	if key, ok := m.idempotencyKey(req); ok {
		m.idem[key] = idempotencyEntry{sessionID: session.SessionID, expiresAt: time.Now().Add(idempotencyWindow)}
	}
	m.mu.Unlock()

	go m.pump(session.SessionID, live)

	return session, nil
}

func (m *Manager) idempotencyKey(req CreateRequest) (string, bool) {
	if req.IdempotencyKey == "" {
		return "", false
	}
	return req.IdempotencyKey + "|" + req.WorkspaceID, true
}

func (m *Manager) lookupIdempotent(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.idem[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	live, ok := m.sessions[entry.sessionID]
	if !ok {
		return nil, false
	}
	s := live.session
	return &s, true
}

func (m *Manager) spawn(ctx context.Context, req CreateRequest) (*Session, *process.Manager, error) {
	custom := make([]mcpwriter.ServerSpec, 0, len(req.McpServers))
	for _, s := range req.McpServers {
		custom = append(custom, mcpwriter.ServerSpec{Name: s.Name, URL: s.URL})
	}
	mcpResult := m.mcp.EnsureMcpForProvider(req.PresetID, mcpwriter.Options{
		ServerURL:     m.mcpURL,
		WorkspaceID:   req.WorkspaceID,
		CustomServers: custom,
	})
	m.logger.Info("mcp config ensured", zap.String("preset", req.PresetID), zap.String("summary", mcpResult.Summary))

	spawnCfg, err := m.catalog.BuildSpawnDescriptor(ctx, req.PresetID, req.Cwd, nil, nil, mcpResult.CLIArgs)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn failure: %w", err)
	}

	protocol := m.protocolFor(req.PresetID)

	instCfg := &config.InstanceConfig{
		Protocol:               protocol,
		AgentCommand:           spawnCfg.Command,
		AgentArgs:              append([]string{spawnCfg.Command}, spawnCfg.Args...),
		WorkDir:                spawnCfg.Cwd,
		AgentEnv:               envSlice(spawnCfg.Env),
		AutoApprovePermissions: true,
		AgentType:              req.PresetID,
		McpServers:             toInstanceMcpServers(req.McpServers),
	}

	proc := process.NewManager(instCfg, m.logger)

	// npx/uvx presets may need to download a package on first spawn; give
	// them a much longer handshake budget than an already-installed binary.
	initTimeout := 10 * time.Second
	if preset, ok := m.catalog.GetPreset(ctx, req.PresetID); ok {
		if preset.DistributionType == registry.DistributionNpx || preset.DistributionType == registry.DistributionUvx {
			initTimeout = 2 * time.Minute
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := proc.Start(startCtx); err != nil {
		return nil, nil, fmt.Errorf("spawn failure: command %q: %w", spawnCfg.Command, err)
	}

	a := proc.GetAdapter()
	if a == nil {
		_ = proc.Stop(context.Background())
		return nil, nil, fmt.Errorf("spawn failure: no adapter created for preset %q", req.PresetID)
	}

	if err := a.Initialize(startCtx); err != nil {
		if authErr := classifyAuthError(err, a); authErr != nil {
			// Process is kept alive for the grace window described in
			// spec §7; it is intentionally NOT registered until auth
			// succeeds, so a generated UUID is only used to label the
			// error, not a live session.
			return nil, nil, authErr
		}
		_ = proc.Stop(context.Background())
		return nil, nil, fmt.Errorf("initialize failed: %w", err)
	}

	agentSessionCtx, cancel2 := context.WithTimeout(ctx, initTimeout)
	defer cancel2()

	agentSessionID, err := a.NewSession(agentSessionCtx, req.McpServers)
	if err != nil {
		if authErr := classifyAuthError(err, a); authErr != nil {
			return nil, nil, authErr
		}
		_ = proc.Stop(context.Background())
		return nil, nil, fmt.Errorf("session/new failed: %w", err)
	}

	session := &Session{
		SessionID:      uuid.NewString(),
		AgentSessionID: agentSessionID,
		PresetID:       req.PresetID,
		WorkspaceID:    req.WorkspaceID,
		ModeID:         req.ModeID,
		ModelID:        req.ModelID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now(),
	}
	return session, proc, nil
}

// protocolFor returns the wire protocol a preset speaks. Static presets
// carry their own agents.Agent with an explicit Runtime().Protocol;
// registry-sourced presets are assumed to be conformant ACP speakers
// (spec §4.E class 1) since the registry schema has no protocol field.
func (m *Manager) protocolFor(presetID string) agent.Protocol {
	if a, ok := m.catalog.StaticAgent(presetID); ok {
		return a.Runtime().Protocol
	}
	return agent.ProtocolACP
}

// pump forwards one session's process events to the registered handler
// until the process's update channel closes (process exited or was killed).
func (m *Manager) pump(sessionID string, live *liveSession) {
	for ev := range live.proc.GetUpdates() {
		if m.onEvent != nil {
			m.onEvent(sessionID, ev)
		}
	}
}

// GetSession returns the session record for sessionID.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s := live.session
	return &s, true
}

// ListSessions returns every session, live and recently terminated.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, live := range m.sessions {
		out = append(out, live.session)
	}
	return out
}

// KillSession terminates one session's AgentProcess and stamps the session's
// TerminatedAt; the record stays in the registry and is still returned by
// GetSession and ListSessions. The last SSE subscriber leaving does NOT call this (spec §3
// ownership invariant); only an explicit kill or child exit does.
func (m *Manager) KillSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	live, ok := m.sessions[sessionID]
	if ok {
		now := time.Now()
		live.session.TerminatedAt = &now
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("sessions: unknown session %q", sessionID)
	}
	return live.proc.Stop(ctx)
}

// KillAll terminates every live session; used on server shutdown (spec §9
// "explicit teardown on shutdown: kill all sessions, flush traces").
func (m *Manager) KillAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.KillSession(ctx, id); err != nil {
			m.logger.Warn("error killing session during shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Prompt sends one prompt to sessionID's child, rejecting a second prompt
// while one is already outstanding (spec §3 invariant, §9 Open Question 1).
func (m *Manager) Prompt(ctx context.Context, sessionID, text string, attachments []v1.MessageAttachment) (stopReason string, err error) {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("sessions: unknown session %q", sessionID)
	}

	if !live.promptInFlight.CompareAndSwap(false, true) {
		return "", fmt.Errorf("sessions: a prompt is already outstanding on session %q", sessionID)
	}
	defer live.promptInFlight.Store(false)

	a := live.proc.GetAdapter()
	if a == nil {
		return "", fmt.Errorf("sessions: session %q has no live adapter", sessionID)
	}

	text = m.injectSystemContext(live, text)

	if err := a.Prompt(ctx, text, attachments); err != nil {
		return "error", err
	}
	return "end_turn", nil
}

// injectSystemContext prepends the coordination-server context (and, in plan
// mode, the read-only restriction) that lets the agent address the
// workspace's MCP tools by session id without the UI having to repeat it on
// every prompt (spec §4.C's routa-coordination server; §9 plan affordance).
func (m *Manager) injectSystemContext(live *liveSession, text string) string {
	if live.session.ModeID == "plan" {
		text = sysprompt.InjectPlanMode(text)
	}
	if live.session.WorkspaceID != "" {
		text = sysprompt.InjectRoutaContext(live.session.WorkspaceID, live.session.SessionID, text)
	}
	return text
}

// SetMode updates sessionID's recorded mode. No in-tree adapter currently
// exposes a wire-level mode-switch RPC, so this is host-side bookkeeping
// only; a future adapter that supports it can be wired in here.
func (m *Manager) SetMode(sessionID, modeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("sessions: unknown session %q", sessionID)
	}
	live.session.ModeID = modeID
	return nil
}

// Cancel sends a fire-and-forget session/cancel to sessionID's child.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sessions: unknown session %q", sessionID)
	}
	a := live.proc.GetAdapter()
	if a == nil {
		return fmt.Errorf("sessions: session %q has no live adapter", sessionID)
	}
	return a.Cancel(ctx)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func toInstanceMcpServers(servers []types.McpServer) []config.McpServerConfig {
	out := make([]config.McpServerConfig, 0, len(servers))
	for _, s := range servers {
		out = append(out, config.McpServerConfig{Name: s.Name, URL: s.URL, Type: "sse"})
	}
	return out
}

// classifyAuthError inspects a session/new or initialize error for the
// auth-required pattern (spec §4.D, §7). It returns nil when the error is
// not auth-related.
func classifyAuthError(err error, a adapter.AgentAdapter) *AuthRequiredError {
	if !isAuthError(err) {
		return nil
	}
	ae := &AuthRequiredError{Cause: err}
	if info := a.GetAgentInfo(); info != nil {
		ae.AgentInfo = info
	}
	ae.AuthMethods = []AuthMethod{{ID: "oauth", Name: "Sign in", Description: "Authenticate with the provider to continue."}}
	return ae
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"auth", "unauthoriz", "unauthenticat", "login", "sign in", "credential"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
