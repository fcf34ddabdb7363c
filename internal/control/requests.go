// Package control exposes the request/response facade used by transports:
// CRUD, lifecycle, send, permission responses, comms, schedules, templates.
// It is the only component that mutates state-store entities in response to
// external requests.
package control

import (
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/store"
)

// CreateProjectArgs creates a project (optionally hosting a legion).
type CreateProjectArgs struct {
	Name                 string `json:"name"`
	WorkingDir           string `json:"working_dir"`
	Legion               bool   `json:"legion,omitempty"`
	MaxConcurrentMinions int    `json:"max_concurrent_minions,omitempty"`
}

// PatchProjectArgs updates mutable project fields; nil fields are untouched.
type PatchProjectArgs struct {
	Name                 *string `json:"name,omitempty"`
	Expanded             *bool   `json:"expanded,omitempty"`
	MaxConcurrentMinions *int    `json:"max_concurrent_minions,omitempty"`
}

// CreateSessionArgs creates a session inside a project.
type CreateSessionArgs struct {
	ProjectID          string               `json:"project_id"`
	TemplateID         string               `json:"template_id,omitempty"`
	Name               string               `json:"name"`
	Role               string               `json:"role,omitempty"`
	Model              string               `json:"model,omitempty"`
	PermissionMode     store.PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools       []string             `json:"allowed_tools,omitempty"`
	SystemPromptAppend string               `json:"system_prompt_append,omitempty"`
}

// PatchSessionArgs updates mutable session fields; nil fields are untouched.
type PatchSessionArgs struct {
	Role               *string   `json:"role,omitempty"`
	Model              *string   `json:"model,omitempty"`
	SystemPromptAppend *string   `json:"system_prompt_append,omitempty"`
	AllowedTools       *[]string `json:"allowed_tools,omitempty"`
}

// SendMessageArgs enqueues user input on a session.
type SendMessageArgs struct {
	Body string `json:"body"`
	Attachments []driver.Attachment `json:"attachments,omitempty"`
	// ResetSession resets the session before the input is queued.
	ResetSession bool              `json:"reset_session,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RespondPermissionArgs resolves a pending permission request.
type RespondPermissionArgs struct {
	SessionID     string         `json:"session_id"`
	RequestID     string         `json:"request_id"`
	Decision      string         `json:"decision"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`

	ApplySuggestions    bool                `json:"apply_suggestions,omitempty"`
	SelectedSuggestions []driver.Suggestion `json:"selected_suggestions,omitempty"`
}

// PreviewPermissionsArgs computes the effective tool allowlist a session
// would run with.
type PreviewPermissionsArgs struct {
	WorkingDir          string     `json:"working_dir"`
	SettingSources      [][]string `json:"setting_sources,omitempty"`
	SessionAllowedTools []string   `json:"session_allowed_tools,omitempty"`
}

// EffectivePermissions is the result of a permissions preview.
type EffectivePermissions struct {
	WorkingDir   string   `json:"working_dir"`
	AllowedTools []string `json:"allowed_tools"`
}

// SendCommArgs sends a comm within a legion on behalf of a minion or the
// orchestrator.
type SendCommArgs struct {
	From     string              `json:"from"`
	To       string              `json:"to"`
	Kind     legion.CommKind     `json:"kind"`
	Summary  string              `json:"summary"`
	Body     string              `json:"body,omitempty"`
	Priority legion.CommPriority `json:"priority,omitempty"`
}

// CreateMinionArgs spawns a minion from a template.
type CreateMinionArgs struct {
	ParentID   string `json:"parent_id"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Context    string `json:"context,omitempty"`
}

// CreateScheduleArgs creates a cron schedule for a minion.
type CreateScheduleArgs struct {
	LegionID       string `json:"legion_id"`
	TargetID       string `json:"target_id"`
	Cron           string `json:"cron"`
	Prompt         string `json:"prompt"`
	ResetSession   bool   `json:"reset_session,omitempty"`
	StartIfStopped bool   `json:"start_if_stopped,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// PatchScheduleArgs updates mutable schedule fields; nil fields are untouched.
type PatchScheduleArgs struct {
	Cron           *string `json:"cron,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	ResetSession   *bool   `json:"reset_session,omitempty"`
	StartIfStopped *bool   `json:"start_if_stopped,omitempty"`
	MaxRetries     *int    `json:"max_retries,omitempty"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"`
}

// CreateTemplateArgs creates a template revision.
type CreateTemplateArgs struct {
	Name           string               `json:"name"`
	PermissionMode store.PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools   []string             `json:"allowed_tools,omitempty"`
	Model          string               `json:"model,omitempty"`
	InitContext    string               `json:"init_context,omitempty"`
}
