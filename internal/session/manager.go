package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/store"
)

// Manager owns the runtime registry: one Runtime per session id, created
// lazily from stored metadata. It also performs the startup recovery sweep.
type Manager struct {
	store    *store.Store
	bus      bus.EventBus
	factory  driver.Factory
	agentCfg config.AgentConfig
	logger   *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewManager creates a session manager.
func NewManager(st *store.Store, b bus.EventBus, factory driver.Factory, agentCfg config.AgentConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      b,
		factory:  factory,
		agentCfg: agentCfg,
		logger:   log.WithComponent("session-manager"),
		runtimes: make(map[string]*Runtime),
	}
}

// Create persists a new session and builds its runtime.
func (m *Manager) Create(sess *store.Session) (*Runtime, error) {
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return m.attach(sess)
}

// Get returns the runtime for a session, attaching to stored metadata when
// the runtime has not been built yet this process.
func (m *Manager) Get(id string) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[id]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	return m.attach(sess)
}

func (m *Manager) attach(sess *store.Session) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.runtimes[sess.ID]; ok {
		return rt, nil
	}
	log, err := eventlog.Open(m.store.SessionEventLogPath(sess.ID))
	if err != nil {
		return nil, apperrors.Unavailable("failed to open session event log", err)
	}
	rt := NewRuntime(sess, m.store, log, m.bus, m.factory, m.agentCfg, m.logger)
	m.runtimes[sess.ID] = rt
	return rt, nil
}

// Remove terminates a session's runtime and deletes its stored state.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[id]
	delete(m.runtimes, id)
	m.mu.Unlock()

	if ok {
		_ = rt.Terminate()
		rt.Close()
		_ = rt.Log().Close()
	}
	return m.store.DeleteSession(id)
}

// Detach closes a session's runtime without touching stored state.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	rt, ok := m.runtimes[id]
	delete(m.runtimes, id)
	m.mu.Unlock()

	if ok {
		rt.Close()
		_ = rt.Log().Close()
	}
}

// GetInputCache returns the ephemeral draft text for a session.
func (m *Manager) GetInputCache(sessionID string) (string, error) {
	rt, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	return rt.InputCache(), nil
}

// SetInputCache stores the ephemeral draft text for a session.
func (m *Manager) SetInputCache(sessionID, text string) error {
	rt, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	rt.SetInputCache(text)
	return nil
}

// Recover runs the startup sweep: stale sessions transition to terminated
// and their logs gain synthetic denials and cancellations for anything left
// open by the previous process.
func (m *Manager) Recover() error {
	swept, err := m.store.Sweep()
	if err != nil {
		return err
	}
	for _, id := range swept {
		if err := m.recoverLog(id); err != nil {
			m.logger.Warn("failed to recover session log", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// recoverLog appends synthetic permission denials and tool cancellations for
// every request and tool use the log left unresolved.
func (m *Manager) recoverLog(id string) error {
	log, err := eventlog.Open(m.store.SessionEventLogPath(id))
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	records, err := log.Read(1, 0)
	if err != nil {
		return err
	}
	calls := ProjectToolCalls(records)
	openRequests := undecidedRequests(records)

	for _, req := range openRequests {
		if _, err := log.Append(eventlog.KindPermissionResponse, PermissionResponsePayload{
			RequestID: req.RequestID,
			ToolUseID: req.ToolUseID,
			Decision:  DecisionDeny,
			Responder: ResponderSynthetic,
			Synthetic: true,
		}); err != nil {
			return err
		}
	}
	for _, call := range calls {
		if call.Status.Terminal() {
			continue
		}
		if _, err := log.Append(eventlog.KindToolResult, ToolResultPayload{
			ToolUseID: call.ID,
			Cancelled: true,
			Synthetic: true,
		}); err != nil {
			return err
		}
	}
	return log.Sync()
}

// Shutdown disconnects every live runtime so sessions stay resumable, then
// closes logs.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			_ = rt.Disconnect()
			rt.Close()
			_ = rt.Log().Close()
		}(rt)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for sessions")
	}
}

// ProjectToolCalls rebuilds the tool-call projection from a record stream.
// Replaying a log from cursor 0 reproduces the same projection a live
// observer accumulates.
func ProjectToolCalls(records []*eventlog.Record) []*ToolCall {
	tracker := newToolTracker()
	for _, rec := range records {
		switch rec.Kind {
		case eventlog.KindToolUse:
			var p ToolUsePayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				tracker.Begin(p.ToolUseID, p.Name, p.Input)
			}
		case eventlog.KindPermissionRequest:
			var p PermissionRequestPayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				tracker.SetPermissionRequired(p.ToolUseID, p.RequestID)
			}
		case eventlog.KindPermissionResponse:
			var p PermissionResponsePayload
			if json.Unmarshal(rec.Payload, &p) == nil && p.ToolUseID != "" {
				decision := "allow"
				if p.Decision == DecisionDeny {
					decision = "deny"
				}
				tracker.SetDecision(p.ToolUseID, decision)
			}
		case eventlog.KindToolResult:
			var p ToolResultPayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				if p.Cancelled {
					if call, ok := tracker.Get(p.ToolUseID); ok && !call.Status.Terminal() {
						tracker.finish(call, ToolCancelled)
					}
				} else {
					tracker.Complete(p.ToolUseID, p.Content, p.IsError)
				}
			}
		}
	}
	return tracker.List()
}

// undecidedRequests returns permission requests with no recorded response.
func undecidedRequests(records []*eventlog.Record) []PermissionRequestPayload {
	requests := make(map[string]PermissionRequestPayload)
	var order []string
	for _, rec := range records {
		switch rec.Kind {
		case eventlog.KindPermissionRequest:
			var p PermissionRequestPayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				if _, ok := requests[p.RequestID]; !ok {
					requests[p.RequestID] = p
					order = append(order, p.RequestID)
				}
			}
		case eventlog.KindPermissionResponse:
			var p PermissionResponsePayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				delete(requests, p.RequestID)
			}
		}
	}
	var out []PermissionRequestPayload
	for _, id := range order {
		if p, ok := requests[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
