package session

import (
	"time"

	"github.com/legionhq/legiond/internal/driver"
)

// Permission decisions.
const (
	DecisionAllow              = "allow"
	DecisionDeny               = "deny"
	DecisionAllowModifiedInput = "allow_modified_input"
)

// Responders recorded on permission decisions.
const (
	ResponderUser      = "user"
	ResponderAutoRule  = "auto-rule"
	ResponderSynthetic = "synthetic"
)

// PermissionRequest is a runtime prompt gating a tool use on approval.
type PermissionRequest struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	ToolUseID string              `json:"tool_use_id"`
	ToolName  string              `json:"tool_name"`
	Input     map[string]any      `json:"input,omitempty"`
	// Suggestions are permission-mode toggles or allowed-tool additions
	// the responder may apply alongside the decision.
	Suggestions []driver.Suggestion `json:"suggestions,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`

	Decision      string         `json:"decision,omitempty"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
	Responder     string         `json:"responder,omitempty"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// Decided reports whether the request has been resolved.
func (r *PermissionRequest) Decided() bool {
	return r.Decision != ""
}

// permissionMediator tracks undecided permission requests for one session.
// At most one undecided request exists per tool use. Owned by the runtime
// goroutine; no locking of its own.
type permissionMediator struct {
	requests map[string]*PermissionRequest
	order    []string
}

func newPermissionMediator() *permissionMediator {
	return &permissionMediator{requests: make(map[string]*PermissionRequest)}
}

// Add registers an undecided request.
func (m *permissionMediator) Add(req *PermissionRequest) {
	if _, ok := m.requests[req.ID]; ok {
		return
	}
	m.requests[req.ID] = req
	m.order = append(m.order, req.ID)
}

// Get returns a request by id.
func (m *permissionMediator) Get(id string) (*PermissionRequest, bool) {
	req, ok := m.requests[id]
	return req, ok
}

// Decide resolves a request. Returns false when the request is unknown or
// already decided; double-submitting the same response is a no-op after the
// first.
func (m *permissionMediator) Decide(id, decision, responder string, modifiedInput map[string]any) (*PermissionRequest, bool) {
	req, ok := m.requests[id]
	if !ok || req.Decided() {
		return req, false
	}
	now := time.Now().UTC()
	req.Decision = decision
	req.ModifiedInput = modifiedInput
	req.Responder = responder
	req.DecidedAt = &now
	return req, true
}

// Undecided returns every unresolved request in arrival order.
func (m *permissionMediator) Undecided() []*PermissionRequest {
	out := make([]*PermissionRequest, 0, len(m.requests))
	for _, id := range m.order {
		if req := m.requests[id]; !req.Decided() {
			out = append(out, req)
		}
	}
	return out
}

// HasUndecided reports whether any request awaits a decision.
func (m *permissionMediator) HasUndecided() bool {
	for _, req := range m.requests {
		if !req.Decided() {
			return true
		}
	}
	return false
}

// Reset drops all requests (session reset).
func (m *permissionMediator) Reset() {
	m.requests = make(map[string]*PermissionRequest)
	m.order = nil
}
