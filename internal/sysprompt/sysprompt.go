// Package sysprompt provides centralized system prompts and utilities for
// injecting system-level instructions into agent conversations.
//
// All system prompts are wrapped in <routa-system> tags to mark them as
// system-injected content that can be stripped when displaying to users.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// System tag constants for marking system-injected content.
const (
	// TagStart marks the beginning of system-injected content.
	TagStart = "<routa-system>"
	// TagEnd marks the end of system-injected content.
	TagEnd = "</routa-system>"
)

// systemTagRegex matches <routa-system>...</routa-system> content including the tags.
var systemTagRegex = regexp.MustCompile(`<routa-system>[\s\S]*?</routa-system>\s*`)

// StripSystemContent removes all <routa-system>...</routa-system> blocks from text.
// This is used to hide system-injected content from the frontend UI.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap wraps content in <routa-system> tags to mark it as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// PlanMode is the system prompt prepended when plan mode is enabled.
// It instructs agents to analyze and plan without using writing/destructive tools.
const PlanMode = `PLAN MODE ACTIVE - READ-ONLY RESTRICTIONS:
You are in plan mode. You MUST NOT use any writing, modifying, or destructive tools.
This includes but is not limited to: file writes, file deletes, git commits, shell commands that modify state.
You CAN use read-only tools (file reads, searches, code analysis) and the Routa plan MCP tools (plan_get, plan_update, plan_item_update, etc.) if needed to create or update the task plan.
Focus on analyzing the request and creating a detailed plan. This restriction applies to THIS PROMPT ONLY.`

// RoutaContext is the system prompt that tells the agent how to reach the
// routa-coordination MCP server's tools for this turn. Use FormatRoutaContext
// to inject workspace/session IDs.
const RoutaContext = `IMPORTANT COORDINATION INSTRUCTIONS:
- When you have questions for the user, use the ask_user_question_routa MCP tool to ask them directly.
- When you need to create or update a plan, use the routa-coordination MCP plan tools (plan_get, plan_update, etc.).
- Routa Workspace ID: %s
- Routa Session ID: %s
- Always use these IDs when calling routa-coordination MCP tools that require workspace_id or session_id parameters.`

// FormatRoutaContext returns the coordination-server context prompt with the
// workspace and session IDs injected.
func FormatRoutaContext(workspaceID, sessionID string) string {
	return fmt.Sprintf(RoutaContext, workspaceID, sessionID)
}

// InjectRoutaContext prepends the coordination-server system prompt and
// workspace/session context to a user's prompt. The system content is
// wrapped in <routa-system> tags.
func InjectRoutaContext(workspaceID, sessionID, prompt string) string {
	return Wrap(FormatRoutaContext(workspaceID, sessionID)) + "\n\n" + prompt
}

// InjectPlanMode prepends the plan mode system prompt to a user's prompt.
// The system content is wrapped in <routa-system> tags.
func InjectPlanMode(prompt string) string {
	return Wrap(PlanMode) + "\n\n" + prompt
}

// InterpolatePlaceholders replaces placeholders in prompt templates with actual values.
// Supported placeholders:
//   - {task_id} - the task ID
func InterpolatePlaceholders(template string, taskID string) string {
	result := template
	result = strings.ReplaceAll(result, "{task_id}", taskID)
	return result
}

