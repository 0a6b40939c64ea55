// Package coordination implements a minimal routa-coordination MCP server:
// the external collaborator spec §1 says is out of scope ("the MCP
// coordination server itself") but whose address component C (mcpwriter)
// writes into every provider's config. It exists here only so the broker has
// something real to point agents at out of the box and so an integration
// test can prove a written MCP config is actually reachable; it implements
// just the two tool families sysprompt's coordination context references
// (ask_user_question_routa, plan_get/plan_update/plan_item_update) rather
// than the full task/board/workflow surface the teacher's deleted
// `internal/agentctl/server/mcp` package proxied to its backend.
package coordination

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

// PlanEntry mirrors the `plan` NormalizedEvent's entry shape (spec §6).
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Server hosts the routa-coordination tools over Streamable HTTP.
type Server struct {
	logger    *logger.Logger
	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer

	mu    sync.Mutex
	plans map[string][]PlanEntry
}

// New constructs a coordination server with its tools registered.
func New(log *logger.Logger) *Server {
	s := &Server{
		logger: log.WithFields(zap.String("component", "coordination-server")),
		plans:  make(map[string][]PlanEntry),
	}
	s.mcpServer = server.NewMCPServer(
		"routa-coordination",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
	return s
}

// Handler returns the Streamable HTTP transport for mounting on a router or
// serving directly with net/http.
func (s *Server) Handler() http.Handler {
	return s.http
}

// Close shuts down the HTTP transport.
func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("coordination: shutting down: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("ask_user_question_routa",
			mcp.WithDescription("Ask the user a clarifying question. The broker runs autonomously, so this auto-resolves to the first option rather than blocking on a human (spec §4.D's permission philosophy applies here too)."),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The question to ask")),
			mcp.WithArray("options", mcp.Required(), mcp.Description("Candidate answers")),
			mcp.WithString("context", mcp.Description("Background for the question")),
		),
		s.askUserQuestionHandler(),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("plan_get",
			mcp.WithDescription("Fetch the current plan entries for a session."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		),
		s.planGetHandler(),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("plan_update",
			mcp.WithDescription("Replace the plan entries for a session."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
			mcp.WithArray("entries", mcp.Required(), mcp.Description("Plan entries: [{content, priority?, status?}]")),
		),
		s.planUpdateHandler(),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("plan_item_update",
			mcp.WithDescription("Update one plan entry's status by index."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
			mcp.WithNumber("index", mcp.Required(), mcp.Description("Zero-based entry index")),
			mcp.WithString("status", mcp.Required(), mcp.Description("New status, e.g. pending/running/completed/cancelled")),
		),
		s.planItemUpdateHandler(),
	)
}

func (s *Server) askUserQuestionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		prompt, _ := args["prompt"].(string)
		if prompt == "" {
			return mcp.NewToolResultError("prompt is required"), nil
		}
		options, _ := args["options"].([]interface{})
		if len(options) == 0 {
			return mcp.NewToolResultError("options must be non-empty"), nil
		}
		chosen, _ := options[0].(string)
		s.logger.Debug("auto-answered ask_user_question_routa",
			zap.String("prompt", prompt), zap.String("chosen", chosen))
		return mcp.NewToolResultText(fmt.Sprintf("auto-selected (no human in the loop at the protocol level): %s", chosen)), nil
	}
}

func (s *Server) planGetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		s.mu.Lock()
		entries := append([]PlanEntry(nil), s.plans[sessionID]...)
		s.mu.Unlock()
		return mcp.NewToolResultText(formatPlan(entries)), nil
	}
}

func (s *Server) planUpdateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		args := req.GetArguments()
		raw, _ := args["entries"].([]interface{})
		entries := make([]PlanEntry, 0, len(raw))
		for _, r := range raw {
			m, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			entry := PlanEntry{}
			entry.Content, _ = m["content"].(string)
			entry.Priority, _ = m["priority"].(string)
			entry.Status, _ = m["status"].(string)
			entries = append(entries, entry)
		}
		s.mu.Lock()
		s.plans[sessionID] = entries
		s.mu.Unlock()
		return mcp.NewToolResultText(formatPlan(entries)), nil
	}
}

func (s *Server) planItemUpdateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError("status is required"), nil
		}
		args := req.GetArguments()
		indexF, ok := args["index"].(float64)
		if !ok {
			return mcp.NewToolResultError("index must be a number"), nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.plans[sessionID]
		i := int(indexF)
		if i < 0 || i >= len(entries) {
			return mcp.NewToolResultError(fmt.Sprintf("index %d out of range (%d entries)", i, len(entries))), nil
		}
		entries[i].Status = status
		return mcp.NewToolResultText(formatPlan(entries)), nil
	}
}

func formatPlan(entries []PlanEntry) string {
	if len(entries) == 0 {
		return "(empty plan)"
	}
	out := ""
	for i, e := range entries {
		out += fmt.Sprintf("%d. [%s] %s\n", i, statusOrDefault(e.Status), e.Content)
	}
	return out
}

func statusOrDefault(status string) string {
	if status == "" {
		return "pending"
	}
	return status
}
