// Package normalize translates the broker's internal, protocol-agnostic
// streams.AgentEvent into the canonical session/update wire vocabulary
// (spec §6) that every facade client (SSE subscriber, trace recorder)
// consumes. It is the single place that vocabulary lives; neither the
// fanout hub nor the trace recorder re-derive it from streams.AgentEvent.
package normalize

import (
	"github.com/routa/acp-broker/internal/agentctl/types/streams"
)

// Update is one canonical session/update notification (spec §6). Exactly the
// fields relevant to Kind are populated; the rest are left zero.
type Update struct {
	SessionUpdate string `json:"sessionUpdate"`
	SessionID     string `json:"sessionId,omitempty"`

	// agent_message_chunk / agent_thought_chunk
	Text string `json:"text,omitempty"`
	Role string `json:"role,omitempty"`

	// tool_call / tool_call_update / tool_call_start / tool_call_params_delta
	ToolCallID string                     `json:"toolCallId,omitempty"`
	ParentID   string                     `json:"parentToolCallId,omitempty"`
	Title      string                     `json:"title,omitempty"`
	Status     string                     `json:"status,omitempty"`
	Kind       string                     `json:"kind,omitempty"`
	Content    *streams.NormalizedPayload `json:"content,omitempty"`
	Diff       string                     `json:"diff,omitempty"`

	// thinking_start / thinking_stop / thinking_signature
	Signature string `json:"signature,omitempty"`

	// plan
	Entries []streams.PlanEntry `json:"entries,omitempty"`

	// usage_update
	TokensUsed      int64   `json:"tokensUsed,omitempty"`
	TokensAvailable int64   `json:"tokensAvailable,omitempty"`
	PercentUsed     float64 `json:"percentUsed,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`

	// task_completion / turn_complete
	StopReason string `json:"stopReason,omitempty"`

	// available_commands_update
	AvailableCommands []streams.AvailableCommand `json:"availableCommands,omitempty"`

	// session_info_update (also used for the synthetic fanout gap marker)
	SessionInfoStatus string `json:"sessionStatus,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// terminal_created / terminal_output / terminal_exited
	TerminalID string `json:"terminalId,omitempty"`
	Command    string `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Data       string `json:"data,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`

	// process_output
	Source      string `json:"source,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Canonical sessionUpdate discriminator values (spec §6).
const (
	KindAgentMessageChunk     = "agent_message_chunk"
	KindAgentThoughtChunk     = "agent_thought_chunk"
	KindToolCall              = "tool_call"
	KindToolCallUpdate        = "tool_call_update"
	KindToolCallStart         = "tool_call_start"
	KindToolCallParamsDelta   = "tool_call_params_delta"
	KindThinkingStart         = "thinking_start"
	KindThinkingStop          = "thinking_stop"
	KindThinkingSignature     = "thinking_signature"
	KindPlan                  = "plan"
	KindUsageUpdate           = "usage_update"
	KindCurrentModeUpdate     = "current_mode_update"
	KindTaskCompletion        = "task_completion"
	KindTurnComplete          = "turn_complete"
	KindAvailableCommands     = "available_commands_update"
	KindSessionInfoUpdate     = "session_info_update"
	KindError                 = "error"
	KindTerminalCreated       = "terminal_created"
	KindTerminalOutput        = "terminal_output"
	KindTerminalExited        = "terminal_exited"
	KindProcessOutput         = "process_output"
)

// Translate converts one internal AgentEvent into zero or more canonical
// updates. Most event types map to exactly one update; tool_call events
// with tool_status "started" additionally emit a tool_call_start so
// subscribers that only care about the initial shape don't have to inspect
// Status on the combined event.
func Translate(ev streams.AgentEvent) []Update {
	switch ev.Type {
	case streams.EventTypeMessageChunk:
		return []Update{{SessionUpdate: KindAgentMessageChunk, SessionID: ev.SessionID, Text: ev.Text, Role: roleOrDefault(ev.Role)}}

	case streams.EventTypeReasoning:
		text := ev.ReasoningText
		if text == "" {
			text = ev.ReasoningSummary
		}
		return []Update{{SessionUpdate: KindAgentThoughtChunk, SessionID: ev.SessionID, Text: text}}

	case streams.EventTypeToolCall:
		upd := toolUpdate(KindToolCall, ev)
		if ev.ToolStatus == "started" {
			start := toolUpdate(KindToolCallStart, ev)
			return []Update{start, upd}
		}
		return []Update{upd}

	case streams.EventTypeToolUpdate:
		return []Update{toolUpdate(KindToolCallUpdate, ev)}

	case streams.EventTypePlan:
		return []Update{{SessionUpdate: KindPlan, SessionID: ev.SessionID, Entries: ev.PlanEntries}}

	case streams.EventTypeContextWindow:
		return []Update{{
			SessionUpdate:   KindUsageUpdate,
			SessionID:       ev.SessionID,
			TokensUsed:      ev.ContextWindowUsed,
			TokensAvailable: ev.ContextWindowSize,
			PercentUsed:     ev.ContextEfficiency,
		}}

	case streams.EventTypeSessionMode:
		return []Update{{SessionUpdate: KindCurrentModeUpdate, SessionID: ev.SessionID, CurrentModeID: ev.CurrentModeID}}

	case streams.EventTypeComplete:
		return []Update{{SessionUpdate: KindTurnComplete, SessionID: ev.SessionID, StopReason: stopReason(ev)}}

	case streams.EventTypeAvailableCommands:
		return []Update{{SessionUpdate: KindAvailableCommands, SessionID: ev.SessionID, AvailableCommands: ev.AvailableCommands}}

	case streams.EventTypeSessionStatus:
		return []Update{{SessionUpdate: KindSessionInfoUpdate, SessionID: ev.SessionID, SessionInfoStatus: ev.SessionStatus}}

	case streams.EventTypeError:
		return []Update{{SessionUpdate: KindError, SessionID: ev.SessionID, Error: ev.Error}}

	case streams.EventTypeTerminalCreated:
		return []Update{{
			SessionUpdate: KindTerminalCreated,
			SessionID:     ev.SessionID,
			TerminalID:    ev.HostTerminalID,
			Command:       ev.TerminalCommand,
			Args:          ev.TerminalArgs,
		}}

	case streams.EventTypeTerminalOutput:
		return []Update{{SessionUpdate: KindTerminalOutput, SessionID: ev.SessionID, TerminalID: ev.HostTerminalID, Data: ev.Text}}

	case streams.EventTypeTerminalExited:
		return []Update{{SessionUpdate: KindTerminalExited, SessionID: ev.SessionID, TerminalID: ev.HostTerminalID, ExitCode: ev.TerminalExitCode}}

	case streams.EventTypeProcessOutput:
		return []Update{{
			SessionUpdate: KindProcessOutput,
			SessionID:     ev.SessionID,
			Source:        ev.ProcessOutputSource,
			Data:          ev.Text,
			DisplayName:   ev.ProcessDisplayName,
		}}

	default:
		// Permission events and other host-capability plumbing are handled
		// directly by the httpapi layer (spec §4.D), not surfaced on the
		// canonical session/update stream.
		return nil
	}
}

func toolUpdate(kind string, ev streams.AgentEvent) Update {
	return Update{
		SessionUpdate: kind,
		SessionID:     ev.SessionID,
		ToolCallID:    ev.ToolCallID,
		ParentID:      ev.ParentToolCallID,
		Title:         ev.ToolTitle,
		Status:        ev.ToolStatus,
		Kind:          toolKindString(ev),
		Content:       ev.NormalizedPayload,
		Diff:          ev.Diff,
	}
}

func toolKindString(ev streams.AgentEvent) string {
	if ev.NormalizedPayload == nil {
		return ""
	}
	return string(ev.NormalizedPayload.Kind)
}

func roleOrDefault(role string) string {
	if role == "" {
		return "assistant"
	}
	return role
}

// stopReasonCanonical maps the raw stop-reason vocabularies of the various
// upstream protocols (ACP, Claude Code stream-json, Codex, the broker's own
// timeout synthesis) onto the canonical turn_complete vocabulary.
var stopReasonCanonical = map[string]string{
	"end_turn":          "end_turn",
	"stop_sequence":     "stop_sequence",
	"max_tokens":        "max_tokens",
	"tool_use":          "tool_use",
	"max_turn_requests": "tool_use",
	"cancelled":         "cancelled",
	"canceled":          "cancelled",
	"error":             "error",
	"refusal":           "error",
	"timeout":           "timeout",
}

// stopReason maps the adapter's raw AgentEvent.StopReason onto the
// turn_complete stop-reason vocabulary. Adapters that haven't been taught
// their protocol's real stop reason leave StopReason empty; in that case we
// fall back to inferring end_turn/error from whether the event carries an
// error.
func stopReason(ev streams.AgentEvent) string {
	if reason, ok := stopReasonCanonical[ev.StopReason]; ok {
		return reason
	}
	if ev.Error != "" {
		return "error"
	}
	return "end_turn"
}

// GapMarker builds the synthetic session_info_update the fanout hub injects
// when it has to drop queued events for a slow subscriber (spec §5, §8).
func GapMarker(sessionID string) Update {
	return Update{SessionUpdate: KindSessionInfoUpdate, SessionID: sessionID, SessionInfoStatus: "gap"}
}

// Wire renders u as the canonical session/update payload shape clients
// expect on the wire (spec §6), rather than Update's flattened Go-friendly
// field set. Only the fields relevant to u.SessionUpdate are included.
func (u Update) Wire() map[string]any {
	w := map[string]any{"sessionUpdate": u.SessionUpdate}

	switch u.SessionUpdate {
	case KindAgentMessageChunk, KindAgentThoughtChunk:
		w["content"] = map[string]any{"type": "text", "text": u.Text}

	case KindToolCall:
		w["toolCallId"] = u.ToolCallID
		w["title"] = u.Title
		w["status"] = u.Status
		w["kind"] = u.Kind
		if u.Content != nil {
			w["rawInput"] = u.Content
		}

	case KindToolCallUpdate:
		w["toolCallId"] = u.ToolCallID
		if u.Title != "" {
			w["title"] = u.Title
		}
		w["status"] = u.Status
		if u.Kind != "" {
			w["kind"] = u.Kind
		}
		if u.Content != nil {
			w["rawOutput"] = u.Content
		}
		if u.Diff != "" {
			w["diff"] = u.Diff
		}

	case KindToolCallStart:
		w["toolCallId"] = u.ToolCallID
		w["toolName"] = u.Title
		w["kind"] = u.Kind
		w["status"] = "streaming"

	case KindThinkingSignature:
		w["signature"] = u.Signature

	case KindPlan:
		w["entries"] = u.Entries

	case KindUsageUpdate:
		w["used"] = u.TokensUsed
		w["size"] = u.TokensAvailable

	case KindCurrentModeUpdate:
		w["currentModeId"] = u.CurrentModeID

	case KindTurnComplete, KindTaskCompletion:
		w["stopReason"] = u.StopReason

	case KindAvailableCommands:
		w["availableCommands"] = u.AvailableCommands

	case KindSessionInfoUpdate:
		w["sessionStatus"] = u.SessionInfoStatus

	case KindError:
		w["error"] = u.Error

	case KindTerminalCreated:
		w["terminalId"] = u.TerminalID
		if u.Command != "" {
			w["command"] = u.Command
		}
		if len(u.Args) > 0 {
			w["args"] = u.Args
		}

	case KindTerminalOutput:
		w["terminalId"] = u.TerminalID
		w["data"] = u.Data

	case KindTerminalExited:
		w["terminalId"] = u.TerminalID
		w["exitCode"] = u.ExitCode

	case KindProcessOutput:
		w["source"] = u.Source
		w["data"] = u.Data
		if u.DisplayName != "" {
			w["displayName"] = u.DisplayName
		}
	}

	if u.ParentID != "" {
		w["parentToolCallId"] = u.ParentID
	}
	return w
}
