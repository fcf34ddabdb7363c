package control

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/scheduler"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// Service is the stateless request/response facade. Every method validates
// its arguments, consults the store and session runtimes, and returns a
// typed result or a typed error.
type Service struct {
	store    *store.Store
	sessions *session.Manager
	coord    *legion.Coordinator
	router   *legion.Router
	sched    *scheduler.Scheduler
	bus      bus.EventBus
	tracer   trace.Tracer
	logger   *logger.Logger
}

// NewService creates the control surface.
func NewService(st *store.Store, sessions *session.Manager, coord *legion.Coordinator, router *legion.Router, sched *scheduler.Scheduler, b bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		coord:    coord,
		router:   router,
		sched:    sched,
		bus:      b,
		tracer:   otel.Tracer("legiond/control"),
		logger:   log.WithComponent("control"),
	}
}

func (s *Service) publishUIState(eventType string, data map[string]any) {
	ev := bus.NewEvent(eventType, "control", data)
	if err := s.bus.Publish(context.Background(), events.UIState, ev); err != nil {
		s.logger.Warn("failed to publish ui state", zap.Error(err))
	}
}

// --- Projects ---

// CreateProject creates a project at the end of the ordering.
func (s *Service) CreateProject(ctx context.Context, args CreateProjectArgs) (*store.Project, error) {
	ctx, span := s.tracer.Start(ctx, "control.CreateProject")
	defer span.End()
	_ = ctx

	if args.Name == "" {
		return nil, apperrors.BadRequest("project name is required")
	}
	if !strings.HasPrefix(args.WorkingDir, "/") {
		return nil, apperrors.BadRequest("working directory must be an absolute path")
	}

	proj := &store.Project{
		ID:                   uuid.New().String(),
		Name:                 args.Name,
		WorkingDir:           args.WorkingDir,
		Rank:                 len(s.store.ListProjects()),
		Expanded:             true,
		Legion:               args.Legion,
		MaxConcurrentMinions: args.MaxConcurrentMinions,
	}
	if err := s.store.CreateProject(proj); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("project_id", proj.ID))
	s.publishUIState("state_change", map[string]any{"scope": "projects"})
	return proj, nil
}

// GetProject returns a project by id.
func (s *Service) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return s.store.GetProject(id)
}

// ListProjects returns projects ordered by rank.
func (s *Service) ListProjects(ctx context.Context) []*store.Project {
	projects := s.store.ListProjects()
	sort.Slice(projects, func(i, j int) bool { return projects[i].Rank < projects[j].Rank })
	return projects
}

// PatchProject applies partial updates to a project.
func (s *Service) PatchProject(ctx context.Context, id string, args PatchProjectArgs) (*store.Project, error) {
	proj, err := s.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if args.Name != nil {
		if *args.Name == "" {
			return nil, apperrors.BadRequest("project name cannot be empty")
		}
		proj.Name = *args.Name
	}
	if args.Expanded != nil {
		proj.Expanded = *args.Expanded
	}
	if args.MaxConcurrentMinions != nil {
		if *args.MaxConcurrentMinions < 0 {
			return nil, apperrors.BadRequest("max_concurrent_minions cannot be negative")
		}
		proj.MaxConcurrentMinions = *args.MaxConcurrentMinions
	}
	if err := s.store.UpdateProject(proj); err != nil {
		return nil, err
	}
	s.publishUIState("state_change", map[string]any{"scope": "projects"})
	return proj, nil
}

// DeleteProject removes a project, cascading to its owned sessions.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "control.DeleteProject")
	defer span.End()
	_ = ctx

	proj, err := s.store.GetProject(id)
	if err != nil {
		return err
	}
	for _, sess := range s.store.ListSessions(id) {
		rt, err := s.sessions.Get(sess.ID)
		if err == nil {
			_ = rt.Terminate()
		}
		s.sessions.Detach(sess.ID)
		if proj.Legion {
			s.coord.Unregister(id, sess.Name)
		}
	}
	for _, sch := range s.store.ListSchedules(id) {
		_ = s.store.DeleteSchedule(sch.ID)
		s.sched.Refresh(sch.ID) // entry is gone, so this disarms
	}
	if err := s.store.DeleteProject(id); err != nil {
		return err
	}
	s.publishUIState("state_change", map[string]any{"scope": "projects"})
	return nil
}

// ReorderProjects applies a new rank permutation. The id list must contain
// every project exactly once.
func (s *Service) ReorderProjects(ctx context.Context, orderedIDs []string) error {
	projects := s.store.ListProjects()
	if len(orderedIDs) != len(projects) {
		return apperrors.BadRequest("reorder list must contain every project exactly once")
	}
	byID := make(map[string]*store.Project, len(projects))
	for _, p := range projects {
		byID[p.ID] = p
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := byID[id]; !ok {
			return apperrors.NotFound("project", id)
		}
		if seen[id] {
			return apperrors.BadRequest("duplicate project id in reorder list")
		}
		seen[id] = true
	}
	for rank, id := range orderedIDs {
		proj := byID[id]
		if proj.Rank == rank {
			continue
		}
		proj.Rank = rank
		if err := s.store.UpdateProject(proj); err != nil {
			return err
		}
	}
	s.publishUIState("state_change", map[string]any{"scope": "projects"})
	return nil
}

// ReorderSessions applies a new ordering to a project's session list.
func (s *Service) ReorderSessions(ctx context.Context, projectID string, orderedIDs []string) error {
	proj, err := s.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if len(orderedIDs) != len(proj.SessionIDs) {
		return apperrors.BadRequest("reorder list must contain every session exactly once")
	}
	existing := make(map[string]bool, len(proj.SessionIDs))
	for _, id := range proj.SessionIDs {
		existing[id] = true
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !existing[id] {
			return apperrors.NotFound("session", id)
		}
		if seen[id] {
			return apperrors.BadRequest("duplicate session id in reorder list")
		}
		seen[id] = true
	}
	proj.SessionIDs = append([]string(nil), orderedIDs...)
	if err := s.store.UpdateProject(proj); err != nil {
		return err
	}
	s.publishUIState("state_change", map[string]any{"scope": "sessions", "project_id": projectID})
	return nil
}
