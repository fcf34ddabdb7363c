// Package driver encapsulates communication with one external AI agent
// process per session. Drivers translate the agent's wire protocol into
// typed events consumed by the session runtime; each driver is built by a
// Factory.
package driver

import "encoding/json"

// EventType identifies a typed driver event.
type EventType string

const (
	// EventSystemInit is emitted once the agent process is initialized.
	EventSystemInit EventType = "system_init"
	// EventAssistantText carries a block of assistant output text.
	EventAssistantText EventType = "assistant_text"
	// EventAssistantThinking carries a thinking block.
	EventAssistantThinking EventType = "assistant_thinking"
	// EventToolUse announces a tool invocation with a tool_use_id.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries the outcome of an earlier tool use.
	EventToolResult EventType = "tool_result"
	// EventPermissionRequest asks for approval of a pending tool use.
	// The driver never blocks on the decision itself.
	EventPermissionRequest EventType = "permission_request"
	// EventCompaction marks a context compaction boundary in the stream.
	EventCompaction EventType = "compaction"
	// EventResult terminates a turn.
	EventResult EventType = "result"
	// EventDriverDown signals unexpected child exit. The driver does not
	// auto-restart; the session runtime decides.
	EventDriverDown EventType = "driver_down"
)

// Suggestion is a structured directive that may accompany a permission
// request or response. The set is closed.
type Suggestion struct {
	Type   string `json:"type"` // add_allowed_tool | set_mode | extend_suggestion_rule
	Tool   string `json:"tool,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Match  string `json:"match,omitempty"`
	Effect string `json:"effect,omitempty"`
}

// Suggestion types
const (
	SuggestionAddAllowedTool      = "add_allowed_tool"
	SuggestionSetMode             = "set_mode"
	SuggestionExtendSuggestionRule = "extend_suggestion_rule"
)

// Event is a typed event surfaced by a driver. Tool payloads are carried
// opaquely; the core only extracts tool_use_id, name, and error-ness.
type Event struct {
	Type EventType `json:"type"`

	// For system_init
	AgentSessionID string `json:"agent_session_id,omitempty"`
	Model          string `json:"model,omitempty"`

	// For assistant_text / assistant_thinking
	Text string `json:"text,omitempty"`

	// For tool_use, tool_result, and permission_request
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput map[string]any  `json:"tool_input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For permission_request
	RequestID   string       `json:"request_id,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`

	// For result
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	NumTurns     int    `json:"num_turns,omitempty"`

	// For driver_down
	ExitError string `json:"exit_error,omitempty"`
}

// Decision is a permission decision forwarded to the agent.
type Decision struct {
	// Behavior is allow or deny.
	Behavior string
	// ModifiedInput replaces the tool input on allow-with-modified-input.
	ModifiedInput map[string]any
	// Message provides feedback to the model on deny.
	Message string
	// Updates are permission rule updates applied alongside the decision.
	Updates []Suggestion
}

// Attachment is an opaque input attachment passed through to the agent.
type Attachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// StartParams configures a driver start.
type StartParams struct {
	WorkingDir         string
	Model              string
	PermissionMode     string
	AllowedTools       []string
	SystemPromptAppend string
}
