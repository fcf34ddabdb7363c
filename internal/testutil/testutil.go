// Package testutil provides the shared test environment: an in-memory bus,
// a temp-dir store, and scripted fake drivers in place of agent processes.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/legionhq/legiond/internal/common/config"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// FakeDriver is a scripted stand-in for an agent process.
type FakeDriver struct {
	SessionID string

	mu            sync.Mutex
	events        chan driver.Event
	closed        bool
	sent          []string
	permResponses map[string]driver.Decision
	modes         []string
	interrupts    int
}

// NewFakeDriver creates a fake driver.
func NewFakeDriver(sessionID string) *FakeDriver {
	return &FakeDriver{
		SessionID:     sessionID,
		events:        make(chan driver.Event, 64),
		permResponses: make(map[string]driver.Decision),
	}
}

// Start implements driver.Driver.
func (f *FakeDriver) Start(ctx context.Context, params driver.StartParams) error { return nil }

// Events implements driver.Driver.
func (f *FakeDriver) Events() <-chan driver.Event { return f.events }

// Send implements driver.Driver.
func (f *FakeDriver) Send(ctx context.Context, input string, attachments []driver.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, input)
	return nil
}

// RespondToPermission implements driver.Driver.
func (f *FakeDriver) RespondToPermission(ctx context.Context, requestID string, decision driver.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permResponses[requestID] = decision
	return nil
}

// SetMode implements driver.Driver.
func (f *FakeDriver) SetMode(ctx context.Context, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

// Interrupt implements driver.Driver.
func (f *FakeDriver) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

// Stop implements driver.Driver.
func (f *FakeDriver) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Emit pushes a typed event as if the agent produced it.
func (f *FakeDriver) Emit(ev driver.Event) { f.events <- ev }

// FinishTurn emits the terminal result event of a turn.
func (f *FakeDriver) FinishTurn() { f.Emit(driver.Event{Type: driver.EventResult}) }

// Sent returns the inputs received so far.
func (f *FakeDriver) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Interrupts returns how often Interrupt was invoked.
func (f *FakeDriver) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Env bundles the store, bus, and session manager with fake drivers.
type Env struct {
	Store   *store.Store
	Bus     bus.EventBus
	Manager *session.Manager
	Logger  *logger.Logger

	mu      sync.Mutex
	drivers map[string][]*FakeDriver
}

// NewEnv creates a fresh environment rooted in a temp dir.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)

	env := &Env{
		Store:   st,
		Bus:     bus.NewMemoryEventBus(log),
		Logger:  log,
		drivers: make(map[string][]*FakeDriver),
	}
	factory := func(sessionID, debugLogPath string, lg *logger.Logger) driver.Driver {
		d := NewFakeDriver(sessionID)
		env.mu.Lock()
		env.drivers[sessionID] = append(env.drivers[sessionID], d)
		env.mu.Unlock()
		return d
	}
	env.Manager = session.NewManager(st, env.Bus, factory, config.AgentConfig{InitTimeout: 5, StopGrace: 1}, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.Manager.Shutdown(ctx)
	})
	return env
}

// Driver returns the latest fake driver spawned for a session.
func (e *Env) Driver(sessionID string) *FakeDriver {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds := e.drivers[sessionID]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

// CreateProject persists a project.
func (e *Env) CreateProject(t *testing.T, id string, legion bool) *store.Project {
	t.Helper()
	p := &store.Project{ID: id, Name: id, WorkingDir: "/tmp", Legion: legion}
	require.NoError(t, e.Store.CreateProject(p))
	return p
}

// CreateSession persists a session and builds its runtime.
func (e *Env) CreateSession(t *testing.T, id, projectID, name string) *session.Runtime {
	t.Helper()
	sess := &store.Session{
		ID:                    id,
		ProjectID:             projectID,
		Name:                  name,
		InitialPermissionMode: store.PermissionDefault,
		CurrentPermissionMode: store.PermissionDefault,
		State:                 store.SessionCreated,
	}
	rt, err := e.Manager.Create(sess)
	require.NoError(t, err)
	return rt
}

// StartSession starts a runtime and waits until it is active.
func (e *Env) StartSession(t *testing.T, rt *session.Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	e.WaitState(t, rt, store.SessionActive)
}

// WaitState polls until the runtime reaches the wanted state.
func (e *Env) WaitState(t *testing.T, rt *session.Runtime, want store.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _ := rt.State()
		return state == want
	}, 2*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}
