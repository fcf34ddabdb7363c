// Package store provides durable metadata for projects, sessions, templates,
// and schedules. Entities are JSON files written atomically; mutations are
// serialised by a process-wide lock while reads go through copy-on-write
// snapshots.
package store

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionCreated     SessionState = "created"
	SessionStarting    SessionState = "starting"
	SessionActive      SessionState = "active"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
	// SessionDisposed is a subtype of terminated used for minions removed
	// from a legion; metadata is retained for history.
	SessionDisposed SessionState = "disposed"
	SessionError    SessionState = "error"
)

// Terminal reports whether the state is terminal: the session holds no live
// agent process.
func (s SessionState) Terminal() bool {
	return s == SessionTerminated || s == SessionDisposed
}

// Resumable reports whether a session found in this state at startup can be
// left as-is. Anything else is swept to terminated.
func (s SessionState) Resumable() bool {
	return s == SessionCreated || s.Terminal() || s == SessionError
}

// PermissionMode controls how tool use is gated for a session.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionPlan              PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidPermissionMode reports whether m is in the closed mode set.
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypassPermissions:
		return true
	}
	return false
}

// Project groups sessions. A project flagged as a legion hosts minions with
// shared comm and schedule machinery.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	// Rank orders projects within the UI; ranks form a dense permutation.
	Rank     int  `json:"rank"`
	Expanded bool `json:"expanded"`
	Legion   bool `json:"legion,omitempty"`
	// SessionIDs is the ordered list of owned sessions.
	SessionIDs []string `json:"session_ids"`
	// MaxConcurrentMinions bounds live minions across the whole legion.
	MaxConcurrentMinions int `json:"max_concurrent_minions,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one long-running conversation with an external agent process.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ParentID  string `json:"parent_id,omitempty"`
	// ChildIDs is the ordered list of spawned children.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Name is unique within a legion and is a single token (no whitespace).
	Name string `json:"name"`
	Role string `json:"role,omitempty"`

	Model string `json:"model,omitempty"`
	// InitialPermissionMode is immutable after creation.
	InitialPermissionMode PermissionMode `json:"initial_permission_mode"`
	// CurrentPermissionMode may only change while the session is active.
	CurrentPermissionMode PermissionMode `json:"current_permission_mode"`
	AllowedTools          []string       `json:"allowed_tools,omitempty"`
	SystemPromptAppend    string         `json:"system_prompt_append,omitempty"`

	State      SessionState `json:"state"`
	Processing bool         `json:"processing"`
	// LatestSummary is the latest-message summary surfaced in listings.
	LatestSummary string `json:"latest_summary,omitempty"`

	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// ScheduleStatus is the lifecycle status of a schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// RunOutcome is the terminal outcome of one schedule execution.
type RunOutcome string

const (
	RunOK                RunOutcome = "ok"
	RunTimeout           RunOutcome = "timeout"
	RunError             RunOutcome = "error"
	RunTargetUnavailable RunOutcome = "target-unavailable"
)

// ScheduleRun is one entry in a schedule's bounded execution history.
type ScheduleRun struct {
	Started time.Time  `json:"started"`
	Ended   time.Time  `json:"ended"`
	Outcome RunOutcome `json:"outcome"`
	Error   string     `json:"error,omitempty"`
}

// Schedule is a cron-driven prompt dispatched to a minion.
type Schedule struct {
	ID       string `json:"id"`
	LegionID string `json:"legion_id"`
	TargetID string `json:"target_id"`

	Cron         string `json:"cron"`
	Prompt       string `json:"prompt"`
	ResetSession bool   `json:"reset_session,omitempty"`
	// StartIfStopped lets a firing start a terminated target instead of
	// recording target-unavailable.
	StartIfStopped bool `json:"start_if_stopped,omitempty"`
	MaxRetries     int  `json:"max_retries"`
	TimeoutSeconds int  `json:"timeout_seconds"`

	Status ScheduleStatus `json:"status"`
	// NextRunAt is recomputed after every terminal execution outcome.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	// History is bounded; the oldest entry is evicted first.
	History []ScheduleRun `json:"history,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is a reusable seed for a minion. Templates are immutable by
// identity: edits create a new entity with Revision+1 sharing the same
// BaseID, referenced only by sessions created afterwards.
type Template struct {
	ID       string `json:"id"`
	BaseID   string `json:"base_id"`
	Revision int    `json:"revision"`
	Name     string `json:"name"`

	PermissionMode PermissionMode `json:"permission_mode"`
	AllowedTools   []string       `json:"allowed_tools,omitempty"`
	Model          string         `json:"model,omitempty"`
	InitContext    string         `json:"init_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	cp := *p
	cp.SessionIDs = append([]string(nil), p.SessionIDs...)
	return &cp
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	cp.ChildIDs = append([]string(nil), s.ChildIDs...)
	cp.AllowedTools = append([]string(nil), s.AllowedTools...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.LastActiveAt != nil {
		t := *s.LastActiveAt
		cp.LastActiveAt = &t
	}
	return &cp
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	cp.History = append([]ScheduleRun(nil), s.History...)
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	cp := *t
	cp.AllowedTools = append([]string(nil), t.AllowedTools...)
	return &cp
}
