package legion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// MinionInfo describes one minion for listings.
type MinionInfo struct {
	Name       string             `json:"name"`
	SessionID  string             `json:"session_id"`
	ParentID   string             `json:"parent_id,omitempty"`
	Role       string             `json:"role,omitempty"`
	State      store.SessionState `json:"state"`
	Processing bool               `json:"processing"`
}

// HierarchyNode is one node of the minion parent/child tree.
type HierarchyNode struct {
	MinionInfo
	Children []*HierarchyNode `json:"children,omitempty"`
}

// Coordinator owns the per-legion registry: minion name to session id, the
// hierarchy graph, and the halt latch.
type Coordinator struct {
	store    *store.Store
	sessions *session.Manager
	bus      bus.EventBus
	logger   *logger.Logger

	mu sync.Mutex
	// names maps legion id -> minion name -> session id.
	names  map[string]map[string]string
	halted map[string]bool
}

// NewCoordinator creates a coordinator and loads the name registry from the
// state store.
func NewCoordinator(st *store.Store, sessions *session.Manager, b bus.EventBus, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		store:    st,
		sessions: sessions,
		bus:      b,
		logger:   log.WithComponent("legion-coordinator"),
		names:    make(map[string]map[string]string),
		halted:   make(map[string]bool),
	}
	c.loadNames()
	return c
}

func (c *Coordinator) loadNames() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, proj := range c.store.ListProjects() {
		if !proj.Legion {
			continue
		}
		byName := make(map[string]string)
		for _, sess := range c.store.ListSessions(proj.ID) {
			if sess.State == store.SessionDisposed {
				continue
			}
			byName[sess.Name] = sess.ID
		}
		c.names[proj.ID] = byName
	}
}

// legionProject returns the project when it exists and hosts a legion.
func (c *Coordinator) legionProject(legionID string) (*store.Project, error) {
	proj, err := c.store.GetProject(legionID)
	if err != nil {
		return nil, err
	}
	if !proj.Legion {
		return nil, apperrors.InvalidState(fmt.Sprintf("project '%s' is not a legion", legionID))
	}
	return proj, nil
}

// Resolve returns the session id for a minion name.
func (c *Coordinator) Resolve(legionID, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[legionID][name]
	return id, ok
}

// Register adds a minion name to the legion registry. Names are unique
// within a legion.
func (c *Coordinator) Register(legionID, name, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, ok := c.names[legionID]
	if !ok {
		byName = make(map[string]string)
		c.names[legionID] = byName
	}
	if _, exists := byName[name]; exists {
		return apperrors.Conflict(fmt.Sprintf("minion name '%s' is already taken in legion '%s'", name, legionID))
	}
	byName[name] = sessionID
	return nil
}

// Unregister removes a minion name from the registry.
func (c *Coordinator) Unregister(legionID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names[legionID], name)
}

// validateMinionName enforces the single-token rule.
func validateMinionName(name string) error {
	if name == "" {
		return apperrors.BadRequest("minion name is required")
	}
	if strings.ContainsAny(name, " \t\n\r") {
		return apperrors.BadRequest("minion name must be a single token without whitespace")
	}
	return nil
}

// liveMinionCount counts non-terminal minions across the whole legion.
func (c *Coordinator) liveMinionCount(legionID string) int {
	count := 0
	for _, sess := range c.store.ListSessions(legionID) {
		if !sess.State.Terminal() {
			count++
		}
	}
	return count
}

// SpawnArgs configures a minion spawn.
type SpawnArgs struct {
	LegionID   string
	ParentID   string
	TemplateID string
	Name       string
	Role       string
	// Context is extra initialization text appended after the template's.
	Context string
}

// Spawn materialises a new minion session seeded from a template and starts
// it. The parent must be in an active state, the name unique, and the legion
// below its concurrency cap.
func (c *Coordinator) Spawn(ctx context.Context, args SpawnArgs) (*store.Session, error) {
	if err := validateMinionName(args.Name); err != nil {
		return nil, err
	}
	proj, err := c.legionProject(args.LegionID)
	if err != nil {
		return nil, err
	}

	parent, err := c.store.GetSession(args.ParentID)
	if err != nil {
		return nil, err
	}
	parentRt, err := c.sessions.Get(parent.ID)
	if err != nil {
		return nil, err
	}
	if state, _ := parentRt.State(); state != store.SessionActive {
		return nil, apperrors.InvalidState(fmt.Sprintf("parent minion '%s' is not active", parent.Name))
	}

	tmpl, err := c.store.GetTemplate(args.TemplateID)
	if err != nil {
		return nil, err
	}

	if proj.MaxConcurrentMinions > 0 && c.liveMinionCount(args.LegionID) >= proj.MaxConcurrentMinions {
		return nil, apperrors.Conflict(fmt.Sprintf("legion '%s' is at its concurrency cap (%d)", args.LegionID, proj.MaxConcurrentMinions))
	}

	sysPrompt := tmpl.InitContext
	if args.Role != "" {
		sysPrompt += "\n\nYour role: " + args.Role
	}
	if args.Context != "" {
		sysPrompt += "\n\n" + args.Context
	}

	sess := &store.Session{
		ID:                    uuid.New().String(),
		ProjectID:             args.LegionID,
		ParentID:              args.ParentID,
		Name:                  args.Name,
		Role:                  args.Role,
		Model:                 tmpl.Model,
		InitialPermissionMode: tmpl.PermissionMode,
		CurrentPermissionMode: tmpl.PermissionMode,
		AllowedTools:          append([]string(nil), tmpl.AllowedTools...),
		SystemPromptAppend:    strings.TrimSpace(sysPrompt),
		State:                 store.SessionCreated,
	}

	if err := c.Register(args.LegionID, args.Name, sess.ID); err != nil {
		return nil, err
	}

	rt, err := c.sessions.Create(sess)
	if err != nil {
		c.Unregister(args.LegionID, args.Name)
		return nil, err
	}

	// Link parent <-> child and project ownership.
	if _, err := c.store.MutateSession(args.ParentID, func(p *store.Session) error {
		p.ChildIDs = append(p.ChildIDs, sess.ID)
		return nil
	}); err != nil {
		c.logger.Warn("failed to link child to parent", zap.Error(err))
	}
	proj.SessionIDs = append(proj.SessionIDs, sess.ID)
	if err := c.store.UpdateProject(proj); err != nil {
		c.logger.Warn("failed to link session to project", zap.Error(err))
	}

	if err := rt.Start(ctx); err != nil {
		return nil, err
	}

	c.publishMinionEvent(args.LegionID, "minion_created", sess.ID, args.Name)
	c.logger.Info("minion spawned",
		zap.String("legion_id", args.LegionID),
		zap.String("name", args.Name),
		zap.String("session_id", sess.ID))
	return sess, nil
}

// Dispose terminates a minion, optionally records a final knowledge report,
// marks the session disposed, and removes it from the active name map.
// Descendants are disposed depth-first before the minion itself.
func (c *Coordinator) Dispose(ctx context.Context, legionID, name, knowledge string) error {
	sessionID, ok := c.Resolve(legionID, name)
	if !ok {
		return apperrors.NotFound("minion", name)
	}

	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	for i := len(sess.ChildIDs) - 1; i >= 0; i-- {
		child, err := c.store.GetSession(sess.ChildIDs[i])
		if err != nil {
			continue
		}
		if child.State == store.SessionDisposed {
			continue
		}
		if err := c.Dispose(ctx, legionID, child.Name, ""); err != nil && !apperrors.IsNotFound(err) {
			c.logger.Warn("failed to dispose descendant",
				zap.String("name", child.Name), zap.Error(err))
		}
	}

	rt, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if knowledge != "" {
		if err := rt.AppendNotice("knowledge report from " + name + ":\n" + knowledge); err != nil {
			c.logger.Warn("failed to record knowledge report", zap.Error(err))
		}
	}
	if err := rt.Dispose(); err != nil {
		return err
	}

	c.Unregister(legionID, name)
	c.publishMinionEvent(legionID, "minion_disposed", sessionID, name)
	c.logger.Info("minion disposed",
		zap.String("legion_id", legionID),
		zap.String("name", name))
	return nil
}

// ListMinions returns info for every non-disposed minion in the legion.
func (c *Coordinator) ListMinions(legionID string) ([]*MinionInfo, error) {
	if _, err := c.legionProject(legionID); err != nil {
		return nil, err
	}
	var out []*MinionInfo
	for _, sess := range c.store.ListSessions(legionID) {
		if sess.State == store.SessionDisposed {
			continue
		}
		out = append(out, &MinionInfo{
			Name:       sess.Name,
			SessionID:  sess.ID,
			ParentID:   sess.ParentID,
			Role:       sess.Role,
			State:      sess.State,
			Processing: sess.Processing,
		})
	}
	return out, nil
}

// Hierarchy returns the minion parent/child tree rooted at sessions with no
// parent inside the legion.
func (c *Coordinator) Hierarchy(legionID string) ([]*HierarchyNode, error) {
	minions, err := c.ListMinions(legionID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*HierarchyNode, len(minions))
	for _, m := range minions {
		nodes[m.SessionID] = &HierarchyNode{MinionInfo: *m}
	}
	var roots []*HierarchyNode
	for _, node := range nodes {
		if parent, ok := nodes[node.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots, nil
}

// HaltAll interrupts every active minion and latches the halt flag so queues
// stay suspended until ResumeAll.
func (c *Coordinator) HaltAll(legionID string) error {
	minions, err := c.ListMinions(legionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.halted[legionID] = true
	c.mu.Unlock()

	for _, m := range minions {
		rt, err := c.sessions.Get(m.SessionID)
		if err != nil {
			continue
		}
		_ = rt.SetHalted(true)
		if err := rt.Interrupt(); err != nil && !apperrors.IsInvalidState(err) {
			c.logger.Warn("halt interrupt failed",
				zap.String("name", m.Name), zap.Error(err))
		}
	}
	c.logger.Info("legion halted", zap.String("legion_id", legionID))
	return nil
}

// ResumeAll clears the latched halt flag and resumes queues.
func (c *Coordinator) ResumeAll(legionID string) error {
	minions, err := c.ListMinions(legionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.halted[legionID] = false
	c.mu.Unlock()

	for _, m := range minions {
		rt, err := c.sessions.Get(m.SessionID)
		if err != nil {
			continue
		}
		_ = rt.SetHalted(false)
	}
	c.logger.Info("legion resumed", zap.String("legion_id", legionID))
	return nil
}

// Halted reports whether the legion's halt flag is latched.
func (c *Coordinator) Halted(legionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted[legionID]
}

func (c *Coordinator) publishMinionEvent(legionID, eventType, sessionID, name string) {
	ev := bus.NewEvent(eventType, "legion-coordinator", map[string]any{
		"legion_id":  legionID,
		"session_id": sessionID,
		"name":       name,
	})
	if err := c.bus.Publish(context.Background(), events.BuildLegionMinionSubject(legionID), ev); err != nil {
		c.logger.Warn("failed to publish minion event", zap.Error(err))
	}
}
