package control

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// CreateSession creates a session inside a project, optionally seeded from a
// template. Legion sessions claim their minion name on creation.
func (s *Service) CreateSession(ctx context.Context, args CreateSessionArgs) (*store.Session, error) {
	ctx, span := s.tracer.Start(ctx, "control.CreateSession")
	defer span.End()
	_ = ctx

	proj, err := s.store.GetProject(args.ProjectID)
	if err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, apperrors.BadRequest("session name is required")
	}
	if strings.ContainsAny(args.Name, " \t\n\r") {
		return nil, apperrors.BadRequest("session name must be a single token without whitespace")
	}

	mode := args.PermissionMode
	model := args.Model
	allowed := args.AllowedTools
	sysPrompt := args.SystemPromptAppend

	if args.TemplateID != "" {
		tmpl, err := s.store.GetTemplate(args.TemplateID)
		if err != nil {
			return nil, err
		}
		if mode == "" {
			mode = tmpl.PermissionMode
		}
		if model == "" {
			model = tmpl.Model
		}
		if len(allowed) == 0 {
			allowed = append([]string(nil), tmpl.AllowedTools...)
		}
		if tmpl.InitContext != "" {
			if sysPrompt != "" {
				sysPrompt = tmpl.InitContext + "\n\n" + sysPrompt
			} else {
				sysPrompt = tmpl.InitContext
			}
		}
	}
	if mode == "" {
		mode = store.PermissionDefault
	}
	if !store.ValidPermissionMode(mode) {
		return nil, apperrors.BadRequest("invalid permission mode")
	}

	sess := &store.Session{
		ID:                    uuid.New().String(),
		ProjectID:             args.ProjectID,
		Name:                  args.Name,
		Role:                  args.Role,
		Model:                 model,
		InitialPermissionMode: mode,
		CurrentPermissionMode: mode,
		AllowedTools:          allowed,
		SystemPromptAppend:    sysPrompt,
		State:                 store.SessionCreated,
	}

	if proj.Legion {
		if err := s.coord.Register(args.ProjectID, args.Name, sess.ID); err != nil {
			return nil, err
		}
	}
	if _, err := s.sessions.Create(sess); err != nil {
		if proj.Legion {
			s.coord.Unregister(args.ProjectID, args.Name)
		}
		return nil, err
	}

	proj.SessionIDs = append(proj.SessionIDs, sess.ID)
	if err := s.store.UpdateProject(proj); err != nil {
		s.logger.Warn("failed to link session to project")
	}

	span.SetAttributes(attribute.String("session_id", sess.ID))
	s.publishUIState("state_change", map[string]any{"scope": "sessions", "project_id": args.ProjectID})
	return sess, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return s.store.GetSession(id)
}

// ListSessions returns sessions for a project (or all when empty).
func (s *Service) ListSessions(ctx context.Context, projectID string) []*store.Session {
	return s.store.ListSessions(projectID)
}

// ListDescendants returns the transitive children of a session.
func (s *Service) ListDescendants(ctx context.Context, id string) ([]*store.Session, error) {
	if _, err := s.store.GetSession(id); err != nil {
		return nil, err
	}
	return s.store.ListDescendants(id), nil
}

// PatchSession applies partial updates to session configuration.
func (s *Service) PatchSession(ctx context.Context, id string, args PatchSessionArgs) (*store.Session, error) {
	return s.store.MutateSession(id, func(sess *store.Session) error {
		if args.Role != nil {
			sess.Role = *args.Role
		}
		if args.Model != nil {
			sess.Model = *args.Model
		}
		if args.SystemPromptAppend != nil {
			sess.SystemPromptAppend = *args.SystemPromptAppend
		}
		if args.AllowedTools != nil {
			sess.AllowedTools = append([]string(nil), (*args.AllowedTools)...)
		}
		return nil
	})
}

// SetSessionName renames a session, enforcing legion name uniqueness.
func (s *Service) SetSessionName(ctx context.Context, id, name string) (*store.Session, error) {
	if name == "" || strings.ContainsAny(name, " \t\n\r") {
		return nil, apperrors.BadRequest("session name must be a single token without whitespace")
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	proj, err := s.store.GetProject(sess.ProjectID)
	if err != nil {
		return nil, err
	}
	if proj.Legion {
		if err := s.coord.Register(proj.ID, name, id); err != nil {
			return nil, err
		}
		s.coord.Unregister(proj.ID, sess.Name)
	}
	return s.store.MutateSession(id, func(sess *store.Session) error {
		sess.Name = name
		return nil
	})
}

// StartSession starts the agent driver for a session.
func (s *Service) StartSession(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "control.StartSession")
	defer span.End()

	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.Start(ctx)
}

// PauseSession suspends or resumes queue dispatch.
func (s *Service) PauseSession(ctx context.Context, id string, paused bool) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.PauseQueue(paused)
}

// TerminateSession stops the driver and transitions to terminated.
func (s *Service) TerminateSession(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := rt.Terminate(); err != nil {
		return err
	}
	// A parent's terminate cascades to its children.
	for _, child := range s.store.ListDescendants(id) {
		if child.State.Terminal() {
			continue
		}
		crt, err := s.sessions.Get(child.ID)
		if err != nil {
			continue
		}
		if err := crt.Terminate(); err != nil && !apperrors.IsInvalidState(err) {
			s.logger.Warn("failed to terminate descendant session")
		}
	}
	return nil
}

// RestartSession restarts the driver, preserving events.
func (s *Service) RestartSession(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.Restart()
}

// ResetSession clears events and returns the session to created.
func (s *Service) ResetSession(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.Reset()
}

// DisconnectSession stops the driver without altering events.
func (s *Service) DisconnectSession(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.Disconnect()
}

// DeleteSession removes a session and its files.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	proj, err := s.store.GetProject(sess.ProjectID)
	if err == nil {
		if proj.Legion {
			s.coord.Unregister(proj.ID, sess.Name)
		}
		filtered := proj.SessionIDs[:0]
		for _, sid := range proj.SessionIDs {
			if sid != id {
				filtered = append(filtered, sid)
			}
		}
		proj.SessionIDs = filtered
		if err := s.store.UpdateProject(proj); err != nil {
			s.logger.Warn("failed to unlink session from project")
		}
	}
	if err := s.sessions.Remove(id); err != nil {
		return err
	}
	s.publishUIState("state_change", map[string]any{"scope": "sessions", "project_id": sess.ProjectID})
	return nil
}

// SetPermissionMode changes the session's current permission mode.
func (s *Service) SetPermissionMode(ctx context.Context, id string, mode store.PermissionMode) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.SetPermissionMode(mode)
}

// SendMessage enqueues user input on a session, optionally resetting first.
func (s *Service) SendMessage(ctx context.Context, id string, args SendMessageArgs) (*session.QueueItem, error) {
	ctx, span := s.tracer.Start(ctx, "control.SendMessage")
	defer span.End()
	_ = ctx

	if args.Body == "" {
		return nil, apperrors.BadRequest("message body is required")
	}
	rt, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if args.ResetSession {
		if err := rt.Reset(); err != nil {
			return nil, err
		}
	}
	metadata := args.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if metadata["origin"] == "" {
		metadata["origin"] = session.OriginUser
	}
	return rt.Enqueue(args.Body, args.Attachments, metadata, false)
}

// GetMessages reads a window of the session's event log. offset is the
// number of leading records to skip; limit <= 0 returns the rest.
func (s *Service) GetMessages(ctx context.Context, id string, limit, offset int) ([]*eventlog.Record, error) {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	return rt.Log().ReadFrom(uint64(offset), limit)
}

// --- Queue ---

// ListQueue returns the session's queue (running item first).
func (s *Service) ListQueue(ctx context.Context, id string) ([]*session.QueueItem, error) {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return rt.ListQueue(), nil
}

// CancelQueueItem removes a pending item.
func (s *Service) CancelQueueItem(ctx context.Context, id, itemID string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.CancelItem(itemID)
}

// RequeueItem moves a pending item to the queue head.
func (s *Service) RequeueItem(ctx context.Context, id, itemID string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.RequeueItem(itemID)
}

// PatchQueueTiming sets or clears a pending item's dispatch delay.
func (s *Service) PatchQueueTiming(ctx context.Context, id, itemID string, notBefore *time.Time) error {
	if notBefore != nil && notBefore.Before(time.Now().Add(-time.Minute)) {
		return apperrors.BadRequest("not_before lies in the past")
	}
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.PatchItemTiming(itemID, notBefore)
}

// ClearQueue cancels all pending items.
func (s *Service) ClearQueue(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.ClearQueue()
}

// InterruptSession aborts the in-flight turn.
func (s *Service) InterruptSession(ctx context.Context, id string) error {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return rt.Interrupt()
}

// --- Permissions ---

// RespondPermission resolves a pending permission request.
func (s *Service) RespondPermission(ctx context.Context, args RespondPermissionArgs) error {
	ctx, span := s.tracer.Start(ctx, "control.RespondPermission")
	defer span.End()
	_ = ctx

	switch args.Decision {
	case session.DecisionAllow, session.DecisionDeny, session.DecisionAllowModifiedInput:
	default:
		return apperrors.BadRequest("decision must be allow, deny, or allow_modified_input")
	}
	rt, err := s.sessions.Get(args.SessionID)
	if err != nil {
		return err
	}
	return rt.RespondPermission(session.RespondPermissionArgs{
		RequestID:        args.RequestID,
		Decision:         args.Decision,
		ModifiedInput:    args.ModifiedInput,
		ApplySuggestions: args.ApplySuggestions,
		Selected:         args.SelectedSuggestions,
		Responder:        session.ResponderUser,
	})
}

// ListPendingPermissions returns undecided permission requests for a session.
func (s *Service) ListPendingPermissions(ctx context.Context, id string) ([]*session.PermissionRequest, error) {
	rt, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return rt.PendingPermissions(), nil
}

// PreviewEffectivePermissions merges the configured setting sources with a
// session's allowed tools to show the allowlist a session would run with.
func (s *Service) PreviewEffectivePermissions(ctx context.Context, args PreviewPermissionsArgs) (*EffectivePermissions, error) {
	if !strings.HasPrefix(args.WorkingDir, "/") {
		return nil, apperrors.BadRequest("working directory must be an absolute path")
	}
	seen := make(map[string]bool)
	var merged []string
	add := func(tool string) {
		if tool != "" && !seen[tool] {
			seen[tool] = true
			merged = append(merged, tool)
		}
	}
	for _, source := range args.SettingSources {
		for _, tool := range source {
			add(tool)
		}
	}
	for _, tool := range args.SessionAllowedTools {
		add(tool)
	}
	return &EffectivePermissions{WorkingDir: args.WorkingDir, AllowedTools: merged}, nil
}
