package session

import (
	"encoding/json"

	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/store"
)

// Event payloads written to the session event log. Tool inputs and results
// pass through opaquely.

// UserInputPayload records one dispatched queue item.
type UserInputPayload struct {
	QueueItemID string            `json:"queue_item_id,omitempty"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TextPayload records assistant text or thinking blocks.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload records a tool invocation announcement.
type ToolUsePayload struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultPayload records the terminal outcome of a tool use. Synthetic
// results are written by the runtime when the agent cannot produce one.
type ToolResultPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// PermissionRequestPayload records a prompt surfaced to observers.
type PermissionRequestPayload struct {
	RequestID   string              `json:"request_id"`
	ToolUseID   string              `json:"tool_use_id"`
	ToolName    string              `json:"tool_name"`
	Input       map[string]any      `json:"input,omitempty"`
	Suggestions []driver.Suggestion `json:"suggestions,omitempty"`
}

// PermissionResponsePayload records the resolution of a prompt.
type PermissionResponsePayload struct {
	RequestID     string         `json:"request_id"`
	ToolUseID     string         `json:"tool_use_id,omitempty"`
	Decision      string         `json:"decision"`
	Responder     string         `json:"responder"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
	Synthetic     bool           `json:"synthetic,omitempty"`
}

// StateChangePayload records a lifecycle transition.
type StateChangePayload struct {
	State           store.SessionState `json:"state"`
	Processing      bool               `json:"processing"`
	EffectiveStatus string             `json:"effective_status"`
	Reason          string             `json:"reason,omitempty"`
}

// SystemNoticePayload records operator-facing notices (driver down, knowledge
// reports, delivery failures).
type SystemNoticePayload struct {
	Text string `json:"text"`
}
