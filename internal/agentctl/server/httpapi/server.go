// Package httpapi implements the HTTP + SSE Facade (spec §4.I, §6): a
// JSON-RPC POST endpoint for session lifecycle and prompt calls, a
// per-session SSE channel fed by the fanout hub, and a history-replay
// endpoint backed by the trace recorder. It is also where the serverless
// synchronous-response fallback (spec §4.I, §6) lives, since deciding
// whether to embed full content in a session/prompt response is a
// transport-layer concern, not a session-manager one.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/routa/acp-broker/internal/agentctl/registry"
	"github.com/routa/acp-broker/internal/agentctl/server/adapter"
	"github.com/routa/acp-broker/internal/agentctl/server/fanout"
	"github.com/routa/acp-broker/internal/agentctl/server/normalize"
	"github.com/routa/acp-broker/internal/agentctl/server/sessions"
	"github.com/routa/acp-broker/internal/agentctl/server/trace"
	"github.com/routa/acp-broker/internal/agentctl/types"
	"github.com/routa/acp-broker/internal/common/httpmw"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// promptTimeout is the spec §3 PendingRequest budget for session/prompt,
// enforced again at the facade layer as a backstop on top of whatever the
// underlying adapter/process-manager timeout already does.
const promptTimeout = 5 * time.Minute

// Server is the HTTP + SSE Facade (spec §4.I).
type Server struct {
	logger     *logger.Logger
	sessions   *sessions.Manager
	hub        *fanout.Hub
	recorder   *trace.Recorder
	catalog    *registry.Catalog
	warmup     *registry.Warmup
	serverless bool

	router *gin.Engine

	mu      sync.Mutex
	buffers map[string]*turnBuffer
}

// turnBuffer accumulates one in-flight turn's text + usage so the
// serverless synchronous-response path (spec §4.I) can embed the full
// assistant reply in the session/prompt HTTP response, since the browser
// cannot reliably hold an SSE connection open across lambda instances.
type turnBuffer struct {
	content     strings.Builder
	tokensUsed  int64
	haveUsage   bool
}

// New constructs the HTTP + SSE Facade and wires its routes.
func New(sessionMgr *sessions.Manager, hub *fanout.Hub, recorder *trace.Recorder, catalog *registry.Catalog, warmup *registry.Warmup, serverless bool, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger:     log.WithFields(zap.String("component", "httpapi")),
		sessions:   sessionMgr,
		hub:        hub,
		recorder:   recorder,
		catalog:    catalog,
		warmup:     warmup,
		serverless: serverless,
		router:     gin.New(),
		buffers:    make(map[string]*turnBuffer),
	}
	s.router.Use(gin.Recovery(), httpmw.RequestLogger(s.logger, "acp-broker"))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler to mount on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.POST("/api/acp", s.handleRPC)
	s.router.GET("/api/acp", s.handleSSE)
	s.router.GET("/api/sessions/:sessionId/history", s.handleHistory)
	s.router.GET("/api/presets", s.handleListPresets)
	s.router.GET("/api/presets/:id/models", s.handleListModels)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleEvent is the spec §4.F EventHandler the Session Manager calls for
// every AgentEvent a live session's process produces. It normalizes the
// event (§4.G), publishes it to every SSE subscriber (§4.I), records it to
// the trace store (§4.G), and — only while a serverless synchronous
// response is pending for that session — accumulates it into the turn
// buffer that response will embed.
func (s *Server) HandleEvent(sessionID string, ev adapter.AgentEvent) {
	for _, update := range normalize.Translate(ev) {
		s.hub.Publish(sessionID, update)
		s.recorder.Record(sessionID, update)
		s.accumulate(sessionID, update)
	}
}

func (s *Server) accumulate(sessionID string, update normalize.Update) {
	s.mu.Lock()
	buf, ok := s.buffers[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	switch update.SessionUpdate {
	case normalize.KindAgentMessageChunk:
		buf.content.WriteString(update.Text)
	case normalize.KindUsageUpdate:
		// Context-window usage is the closest per-turn signal the broker's
		// event vocabulary carries; no adapter reports discrete per-turn
		// input/output token counts (spec §6 usage is therefore best-effort
		// here, not an exact input/output split).
		buf.tokensUsed = update.TokensUsed
		buf.haveUsage = true
	}
}

func (s *Server) beginBuffer(sessionID string) {
	if !s.serverless {
		return
	}
	s.mu.Lock()
	s.buffers[sessionID] = &turnBuffer{}
	s.mu.Unlock()
}

func (s *Server) endBuffer(sessionID string) *turnBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[sessionID]
	delete(s.buffers, sessionID)
	return buf
}

// --- JSON-RPC envelope (spec §6) ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code        int            `json:"code"`
	Message     string         `json:"message"`
	AuthMethods []authMethodDTO `json:"authMethods,omitempty"`
	AgentInfo   map[string]any `json:"agentInfo,omitempty"`
}

type authMethodDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Recognizable JSON-RPC error codes (spec §6, §7).
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32000
	codeAuthRequired   = -32001
)

func (s *Server) writeResult(c *gin.Context, id json.RawMessage, result any) {
	c.JSON(http.StatusOK, gin.H{"jsonrpc": "2.0", "id": rawOrNull(id), "result": result})
}

func (s *Server) writeError(c *gin.Context, id json.RawMessage, rpcErr rpcError) {
	c.JSON(http.StatusOK, gin.H{"jsonrpc": "2.0", "id": rawOrNull(id), "error": rpcErr})
}

func rawOrNull(id json.RawMessage) any {
	if len(id) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return nil
	}
	return v
}

func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, nil, rpcError{Code: codeParseError, Message: fmt.Sprintf("parse error: %v", err)})
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(c, req)
	case "session/new":
		s.handleSessionNew(c, req)
	case "session/load":
		s.handleSessionLoad(c, req)
	case "session/set_mode":
		s.handleSessionSetMode(c, req)
	case "session/cancel":
		s.handleSessionCancel(c, req)
	case "session/prompt":
		s.handleSessionPrompt(c, req)
	default:
		s.writeError(c, req.ID, rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)})
	}
}

func (s *Server) handleInitialize(c *gin.Context, req rpcRequest) {
	s.writeResult(c, req.ID, gin.H{
		"protocolVersion": 1,
		"agentCapabilities": gin.H{
			"streaming": true,
		},
		"agentInfo": gin.H{
			"name":    "acp-broker",
			"version": "0.1.0",
		},
	})
}

type sessionNewParams struct {
	Cwd            string             `json:"cwd"`
	Provider       string             `json:"provider"`
	ModeID         string             `json:"modeId"`
	ModelID        string             `json:"modelId"`
	WorkspaceID    string             `json:"workspaceId"`
	IdempotencyKey string             `json:"idempotencyKey"`
	McpServers     []mcpServerParam   `json:"mcpServers"`
}

type mcpServerParam struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleSessionNew(c *gin.Context, req rpcRequest) {
	var p sessionNewParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
		return
	}
	if p.Provider == "" {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: "provider is required"})
		return
	}

	servers := make([]types.McpServer, 0, len(p.McpServers))
	for _, m := range p.McpServers {
		servers = append(servers, types.McpServer{Name: m.Name, URL: m.URL, Type: "sse"})
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	session, err := s.sessions.CreateSession(ctx, sessions.CreateRequest{
		PresetID:       p.Provider,
		Cwd:            p.Cwd,
		WorkspaceID:    p.WorkspaceID,
		ModeID:         p.ModeID,
		ModelID:        p.ModelID,
		IdempotencyKey: p.IdempotencyKey,
		McpServers:     servers,
		McpSupported:   true,
	})
	if err != nil {
		var authErr *sessions.AuthRequiredError
		if asAuthRequired(err, &authErr) {
			methods := make([]authMethodDTO, 0, len(authErr.AuthMethods))
			for _, m := range authErr.AuthMethods {
				methods = append(methods, authMethodDTO{ID: m.ID, Name: m.Name, Description: m.Description})
			}
			var info map[string]any
			if authErr.AgentInfo != nil {
				info = gin.H{"name": authErr.AgentInfo.Name, "version": authErr.AgentInfo.Version}
			}
			s.writeError(c, req.ID, rpcError{Code: codeAuthRequired, Message: authErr.Error(), AuthMethods: methods, AgentInfo: info})
			return
		}
		s.logger.Warn("session/new failed", zap.String("provider", p.Provider), zap.Error(err))
		s.writeError(c, req.ID, rpcError{Code: codeInternalError, Message: err.Error()})
		return
	}

	s.writeResult(c, req.ID, gin.H{
		"sessionId": session.SessionID,
		"provider":  session.PresetID,
	})
}

// asAuthRequired is a small errors.As wrapper kept local since
// sessions.AuthRequiredError is returned by value from spawn() but as a
// plain error here; it is never wrapped, so a direct type assertion
// suffices and avoids importing the errors package for a single call site.
func asAuthRequired(err error, target **sessions.AuthRequiredError) bool {
	if ae, ok := err.(*sessions.AuthRequiredError); ok {
		*target = ae
		return true
	}
	return false
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionLoad(c *gin.Context, req rpcRequest) {
	var p sessionIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
		return
	}
	if _, ok := s.sessions.GetSession(p.SessionID); !ok {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("session %q not found", p.SessionID)})
		return
	}
	s.writeResult(c, req.ID, gin.H{"sessionId": p.SessionID, "restored": true})
}

type sessionSetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

func (s *Server) handleSessionSetMode(c *gin.Context, req rpcRequest) {
	var p sessionSetModeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
		return
	}
	if err := s.sessions.SetMode(p.SessionID, p.ModeID); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	s.writeResult(c, req.ID, gin.H{})
}

func (s *Server) handleSessionCancel(c *gin.Context, req rpcRequest) {
	var p sessionIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
		return
	}
	if err := s.sessions.Cancel(c.Request.Context(), p.SessionID); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	s.writeResult(c, req.ID, gin.H{})
}

type sessionPromptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"prompt"`
}

func (s *Server) handleSessionPrompt(c *gin.Context, req rpcRequest) {
	var p sessionPromptParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)})
		return
	}

	var text strings.Builder
	for _, block := range p.Prompt {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	s.beginBuffer(p.SessionID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), promptTimeout)
	defer cancel()

	stopReason, err := s.sessions.Prompt(ctx, p.SessionID, text.String(), nil)

	buf := s.endBuffer(p.SessionID)

	if err != nil {
		s.writeError(c, req.ID, rpcError{Code: codeInternalError, Message: err.Error()})
		return
	}

	result := gin.H{"stopReason": stopReason}
	if buf != nil {
		// Serverless mode: embed the full accumulated turn so the client
		// library can synthesize the same event stream locally, since it
		// cannot rely on an SSE connection surviving across lambda
		// instances (spec §4.I).
		result["content"] = buf.content.String()
		if buf.haveUsage {
			result["usage"] = gin.H{"outputTokens": buf.tokensUsed}
		}
	}
	s.writeResult(c, req.ID, result)
}

// --- SSE ---

func (s *Server) handleSSE(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.C:
			if !ok {
				return
			}
			frame := gin.H{
				"jsonrpc": "2.0",
				"method":  "session/update",
				"params": gin.H{
					"sessionId": sessionID,
					"update":    update.Wire(),
				},
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- History replay ---

func (s *Server) handleHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")
	updates, err := s.recorder.History(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events := make([]gin.H, 0, len(updates))
	for _, u := range updates {
		events = append(events, gin.H{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": gin.H{
				"sessionId": sessionID,
				"update":    u.Wire(),
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Preset/model listing (supplemented, spec §4.B) ---

func (s *Server) handleListPresets(c *gin.Context) {
	includeRegistry := c.Query("includeRegistry") != "false"
	presets, err := s.catalog.ListPresets(c.Request.Context(), includeRegistry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (s *Server) handleListModels(c *gin.Context) {
	id := c.Param("id")
	a, ok := s.catalog.StaticAgent(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("preset %q has no static model listing", id)})
		return
	}
	models, err := a.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, models)
}
