package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallLifecycle(t *testing.T) {
	tr := newToolTracker()

	call := tr.Begin("tu1", "Write", map[string]any{"path": "a.txt"})
	assert.Equal(t, ToolPending, call.Status)
	assert.Equal(t, []string{"tu1"}, tr.ActiveIDs())

	tr.SetPermissionRequired("tu1", "pr1")
	assert.Equal(t, ToolPermissionRequired, call.Status)
	assert.Equal(t, "pr1", call.PermissionRequestID)

	tr.SetDecision("tu1", "allow")
	assert.Equal(t, ToolExecuting, call.Status)

	ok := tr.Complete("tu1", json.RawMessage(`"done"`), false)
	assert.True(t, ok)
	assert.Equal(t, ToolCompleted, call.Status)
	assert.NotNil(t, call.EndedAt)
	assert.Empty(t, tr.ActiveIDs())
}

func TestToolCallDenyTerminatesAsCancelled(t *testing.T) {
	tr := newToolTracker()

	call := tr.Begin("tu1", "Bash", nil)
	tr.SetPermissionRequired("tu1", "pr1")
	tr.SetDecision("tu1", "deny")
	assert.Equal(t, ToolCancelled, call.Status)

	// A late result for a terminal call must not double-count.
	ok := tr.Complete("tu1", json.RawMessage(`"late"`), true)
	assert.False(t, ok)
	assert.Equal(t, ToolCancelled, call.Status)
}

func TestToolCallErrorResult(t *testing.T) {
	tr := newToolTracker()

	call := tr.Begin("tu1", "Bash", nil)
	ok := tr.Complete("tu1", json.RawMessage(`"boom"`), true)
	assert.True(t, ok)
	assert.Equal(t, ToolError, call.Status)
	assert.True(t, call.IsError)
}

func TestCancelActiveMarksEveryNonTerminalCall(t *testing.T) {
	tr := newToolTracker()

	tr.Begin("tu1", "Read", nil)
	tr.Begin("tu2", "Write", nil)
	done := tr.Begin("tu3", "Glob", nil)
	tr.Complete("tu3", nil, false)

	cancelled := tr.CancelActive()
	assert.ElementsMatch(t, []string{"tu1", "tu2"}, cancelled)
	assert.Equal(t, ToolCompleted, done.Status)

	for _, id := range cancelled {
		call, ok := tr.Get(id)
		require.True(t, ok)
		assert.Equal(t, ToolCancelled, call.Status)
	}
	assert.Empty(t, tr.ActiveIDs())
}

func TestDuplicateToolUseIgnored(t *testing.T) {
	tr := newToolTracker()

	first := tr.Begin("tu1", "Read", nil)
	second := tr.Begin("tu1", "Write", nil)
	assert.Same(t, first, second)
	assert.Len(t, tr.List(), 1)
}

func TestPermissionMediatorIdempotentDecide(t *testing.T) {
	m := newPermissionMediator()

	m.Add(&PermissionRequest{ID: "pr1", ToolUseID: "tu1"})
	assert.True(t, m.HasUndecided())

	_, decided := m.Decide("pr1", DecisionAllow, ResponderUser, nil)
	assert.True(t, decided)
	assert.False(t, m.HasUndecided())

	// Double-submitting the same response is a no-op after the first.
	_, decided = m.Decide("pr1", DecisionDeny, ResponderUser, nil)
	assert.False(t, decided)

	req, ok := m.Get("pr1")
	require.True(t, ok)
	assert.Equal(t, DecisionAllow, req.Decision)
}
