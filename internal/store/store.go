package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
)

// snapshot is an immutable view of all entities. Writers build a new
// snapshot under the store lock; readers load the current one atomically.
type snapshot struct {
	projects  map[string]*Project
	sessions  map[string]*Session
	templates map[string]*Template
	schedules map[string]*Schedule
}

func (s *snapshot) clone() *snapshot {
	cp := &snapshot{
		projects:  make(map[string]*Project, len(s.projects)),
		sessions:  make(map[string]*Session, len(s.sessions)),
		templates: make(map[string]*Template, len(s.templates)),
		schedules: make(map[string]*Schedule, len(s.schedules)),
	}
	for id, p := range s.projects {
		cp.projects[id] = p
	}
	for id, sess := range s.sessions {
		cp.sessions[id] = sess
	}
	for id, t := range s.templates {
		cp.templates[id] = t
	}
	for id, sch := range s.schedules {
		cp.schedules[id] = sch
	}
	return cp
}

// Store owns the persisted entity layout beneath a data directory.
type Store struct {
	dir    string
	logger *logger.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New creates a Store rooted at dir and ensures the layout directories exist.
func New(dir string, log *logger.Logger) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: log.WithComponent("store"),
	}
	for _, sub := range []string{"projects", "sessions", "legions", "templates"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, apperrors.Unavailable("failed to create data directory", err)
		}
	}
	s.snap.Store(&snapshot{
		projects:  map[string]*Project{},
		sessions:  map[string]*Session{},
		templates: map[string]*Template{},
		schedules: map[string]*Schedule{},
	})
	return s, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

// SessionDir returns the directory owned by a session.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.dir, "sessions", id)
}

// SessionEventLogPath returns the path of a session's append-only event log.
func (s *Store) SessionEventLogPath(id string) string {
	return filepath.Join(s.SessionDir(id), "events")
}

// DriverLogPath returns the path of a session's agent debug log.
func (s *Store) DriverLogPath(id string) string {
	return filepath.Join(s.SessionDir(id), "driver.log")
}

// LegionDir returns the directory owned by a legion.
func (s *Store) LegionDir(id string) string {
	return filepath.Join(s.dir, "legions", id)
}

// LegionCommLogPath returns the path of a legion's append-only comm log.
func (s *Store) LegionCommLogPath(id string) string {
	return filepath.Join(s.LegionDir(id), "comms")
}

func (s *Store) projectPath(id string) string {
	return filepath.Join(s.dir, "projects", id, "state")
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.SessionDir(id), "state")
}

func (s *Store) templatePath(id string) string {
	return filepath.Join(s.dir, "templates", id)
}

func (s *Store) schedulePath(legionID, id string) string {
	return filepath.Join(s.LegionDir(legionID), "schedules", id)
}

// writeEntity marshals v and writes it via write-temp-then-rename so a crash
// never leaves a half-written state file behind.
func (s *Store) writeEntity(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Internal("failed to marshal entity", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Unavailable("failed to create entity directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return apperrors.Unavailable("failed to write entity file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Unavailable("failed to commit entity file", err)
	}
	return nil
}

func readEntity[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadAll reads every entity from disk into the snapshot. Broken entities
// (partial writes, bad JSON) are discarded with a log line; the rest load.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &snapshot{
		projects:  map[string]*Project{},
		sessions:  map[string]*Session{},
		templates: map[string]*Template{},
		schedules: map[string]*Schedule{},
	}

	loadDirOfDirs(s, filepath.Join(s.dir, "projects"), "state", func(id string) {
		if p, err := readEntity[Project](s.projectPath(id)); err != nil {
			s.logger.Warn("discarding broken project", zap.String("id", id), zap.Error(err))
		} else {
			snap.projects[p.ID] = p
		}
	})

	loadDirOfDirs(s, filepath.Join(s.dir, "sessions"), "state", func(id string) {
		if sess, err := readEntity[Session](s.sessionPath(id)); err != nil {
			s.logger.Warn("discarding broken session", zap.String("id", id), zap.Error(err))
		} else {
			snap.sessions[sess.ID] = sess
		}
	})

	entries, err := os.ReadDir(filepath.Join(s.dir, "templates"))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if t, err := readEntity[Template](s.templatePath(e.Name())); err != nil {
				s.logger.Warn("discarding broken template", zap.String("id", e.Name()), zap.Error(err))
			} else {
				snap.templates[t.ID] = t
			}
		}
	}

	legions, err := os.ReadDir(filepath.Join(s.dir, "legions"))
	if err == nil {
		for _, le := range legions {
			if !le.IsDir() {
				continue
			}
			schedDir := filepath.Join(s.LegionDir(le.Name()), "schedules")
			scheds, err := os.ReadDir(schedDir)
			if err != nil {
				continue
			}
			for _, se := range scheds {
				if se.IsDir() {
					continue
				}
				path := s.schedulePath(le.Name(), se.Name())
				if sch, err := readEntity[Schedule](path); err != nil {
					s.logger.Warn("discarding broken schedule", zap.String("id", se.Name()), zap.Error(err))
				} else {
					snap.schedules[sch.ID] = sch
				}
			}
		}
	}

	s.snap.Store(snap)
	s.logger.Info("state loaded",
		zap.Int("projects", len(snap.projects)),
		zap.Int("sessions", len(snap.sessions)),
		zap.Int("templates", len(snap.templates)),
		zap.Int("schedules", len(snap.schedules)))
	return nil
}

func loadDirOfDirs(s *Store, dir, _ string, load func(id string)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			load(e.Name())
		}
	}
}

// Sweep transitions every session found in a non-terminal, non-resumable
// state to terminated and returns the ids of swept sessions. The caller is
// responsible for appending the synthetic permission denials to the affected
// event logs.
func (s *Store) Sweep() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load().clone()
	var swept []string
	for id, sess := range snap.sessions {
		if sess.State.Resumable() {
			continue
		}
		cp := sess.Clone()
		cp.State = SessionTerminated
		cp.Processing = false
		cp.Version++
		if err := s.writeEntity(s.sessionPath(id), cp); err != nil {
			return nil, err
		}
		snap.sessions[id] = cp
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		s.snap.Store(snap)
		s.logger.Info("startup sweep terminated stale sessions", zap.Strings("session_ids", swept))
	}
	return swept, nil
}

// --- Projects ---

// CreateProject persists a new project. The id must be unused.
func (s *Store) CreateProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, exists := snap.projects[p.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("project '%s' already exists", p.ID))
	}
	cp := p.Clone()
	cp.Version = 1
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := s.writeEntity(s.projectPath(cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.projects[cp.ID] = cp
	s.snap.Store(next)
	*p = *cp.Clone()
	return nil
}

// GetProject returns a copy of the project.
func (s *Store) GetProject(id string) (*Project, error) {
	if p, ok := s.snap.Load().projects[id]; ok {
		return p.Clone(), nil
	}
	return nil, apperrors.NotFound("project", id)
}

// ListProjects returns copies of all projects.
func (s *Store) ListProjects() []*Project {
	snap := s.snap.Load()
	out := make([]*Project, 0, len(snap.projects))
	for _, p := range snap.projects {
		out = append(out, p.Clone())
	}
	return out
}

// UpdateProject persists a modified project. The version must match the
// stored version; it is bumped on success.
func (s *Store) UpdateProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	cur, ok := snap.projects[p.ID]
	if !ok {
		return apperrors.NotFound("project", p.ID)
	}
	if cur.Version != p.Version {
		return apperrors.Conflict(fmt.Sprintf("project '%s' version %d is stale (current %d)", p.ID, p.Version, cur.Version))
	}
	cp := p.Clone()
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	if err := s.writeEntity(s.projectPath(cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.projects[cp.ID] = cp
	s.snap.Store(next)
	*p = *cp.Clone()
	return nil
}

// DeleteProject removes a project and cascades to its owned sessions.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	next := snap.clone()
	for sid, sess := range next.sessions {
		if sess.ProjectID != id {
			continue
		}
		if err := os.RemoveAll(s.SessionDir(sid)); err != nil {
			return apperrors.Unavailable("failed to delete session directory", err)
		}
		delete(next.sessions, sid)
	}
	if err := os.RemoveAll(filepath.Join(s.dir, "projects", id)); err != nil {
		return apperrors.Unavailable("failed to delete project directory", err)
	}
	_ = os.RemoveAll(s.LegionDir(id))
	for schID, sch := range next.schedules {
		if sch.LegionID == id {
			delete(next.schedules, schID)
		}
	}
	delete(next.projects, id)
	s.snap.Store(next)
	return nil
}

// --- Sessions ---

// CreateSession persists a new session.
func (s *Store) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, exists := snap.sessions[sess.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("session '%s' already exists", sess.ID))
	}
	cp := sess.Clone()
	cp.Version = 1
	cp.CreatedAt = time.Now().UTC()
	if err := s.writeEntity(s.sessionPath(cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.sessions[cp.ID] = cp
	s.snap.Store(next)
	*sess = *cp.Clone()
	return nil
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(id string) (*Session, error) {
	if sess, ok := s.snap.Load().sessions[id]; ok {
		return sess.Clone(), nil
	}
	return nil, apperrors.NotFound("session", id)
}

// ListSessions returns copies of all sessions owned by a project, or every
// session when projectID is empty.
func (s *Store) ListSessions(projectID string) []*Session {
	snap := s.snap.Load()
	out := make([]*Session, 0, len(snap.sessions))
	for _, sess := range snap.sessions {
		if projectID == "" || sess.ProjectID == projectID {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// ListDescendants returns copies of every transitive child of a session,
// depth-first.
func (s *Store) ListDescendants(id string) []*Session {
	snap := s.snap.Load()
	var out []*Session
	var walk func(string)
	walk = func(cur string) {
		sess, ok := snap.sessions[cur]
		if !ok {
			return
		}
		for _, child := range sess.ChildIDs {
			if c, ok := snap.sessions[child]; ok {
				out = append(out, c.Clone())
			}
			walk(child)
		}
	}
	walk(id)
	return out
}

// UpdateSession persists a modified session with an optimistic version check.
func (s *Store) UpdateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	cur, ok := snap.sessions[sess.ID]
	if !ok {
		return apperrors.NotFound("session", sess.ID)
	}
	if cur.Version != sess.Version {
		return apperrors.Conflict(fmt.Sprintf("session '%s' version %d is stale (current %d)", sess.ID, sess.Version, cur.Version))
	}
	cp := sess.Clone()
	cp.Version++
	if err := s.writeEntity(s.sessionPath(cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.sessions[cp.ID] = cp
	s.snap.Store(next)
	*sess = *cp.Clone()
	return nil
}

// MutateSession applies fn to the current session under the store lock and
// persists the result. It retries nothing: fn sees the latest version.
func (s *Store) MutateSession(id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	cur, ok := snap.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	cp := cur.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.Version++
	if err := s.writeEntity(s.sessionPath(id), cp); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.sessions[id] = cp
	s.snap.Store(next)
	return cp.Clone(), nil
}

// DeleteSession removes a session and its owned files.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	if err := os.RemoveAll(s.SessionDir(id)); err != nil {
		return apperrors.Unavailable("failed to delete session directory", err)
	}
	next := snap.clone()
	delete(next.sessions, id)
	s.snap.Store(next)
	return nil
}

// --- Templates ---

// CreateTemplate persists a new template revision.
func (s *Store) CreateTemplate(t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, exists := snap.templates[t.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("template '%s' already exists", t.ID))
	}
	cp := t.Clone()
	cp.CreatedAt = time.Now().UTC()
	if err := s.writeEntity(s.templatePath(cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.templates[cp.ID] = cp
	s.snap.Store(next)
	*t = *cp.Clone()
	return nil
}

// GetTemplate returns a copy of the template.
func (s *Store) GetTemplate(id string) (*Template, error) {
	if t, ok := s.snap.Load().templates[id]; ok {
		return t.Clone(), nil
	}
	return nil, apperrors.NotFound("template", id)
}

// ListTemplates returns copies of all templates.
func (s *Store) ListTemplates() []*Template {
	snap := s.snap.Load()
	out := make([]*Template, 0, len(snap.templates))
	for _, t := range snap.templates {
		out = append(out, t.Clone())
	}
	return out
}

// DeleteTemplate removes a template revision.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.templates[id]; !ok {
		return apperrors.NotFound("template", id)
	}
	if err := os.Remove(s.templatePath(id)); err != nil && !os.IsNotExist(err) {
		return apperrors.Unavailable("failed to delete template file", err)
	}
	next := snap.clone()
	delete(next.templates, id)
	s.snap.Store(next)
	return nil
}

// --- Schedules ---

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(sch *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, exists := snap.schedules[sch.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("schedule '%s' already exists", sch.ID))
	}
	cp := sch.Clone()
	cp.Version = 1
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := s.writeEntity(s.schedulePath(cp.LegionID, cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.schedules[cp.ID] = cp
	s.snap.Store(next)
	*sch = *cp.Clone()
	return nil
}

// GetSchedule returns a copy of the schedule.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	if sch, ok := s.snap.Load().schedules[id]; ok {
		return sch.Clone(), nil
	}
	return nil, apperrors.NotFound("schedule", id)
}

// ListSchedules returns copies of all schedules for a legion, or all when
// legionID is empty.
func (s *Store) ListSchedules(legionID string) []*Schedule {
	snap := s.snap.Load()
	out := make([]*Schedule, 0, len(snap.schedules))
	for _, sch := range snap.schedules {
		if legionID == "" || sch.LegionID == legionID {
			out = append(out, sch.Clone())
		}
	}
	return out
}

// UpdateSchedule persists a modified schedule with an optimistic version check.
func (s *Store) UpdateSchedule(sch *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	cur, ok := snap.schedules[sch.ID]
	if !ok {
		return apperrors.NotFound("schedule", sch.ID)
	}
	if cur.Version != sch.Version {
		return apperrors.Conflict(fmt.Sprintf("schedule '%s' version %d is stale (current %d)", sch.ID, sch.Version, cur.Version))
	}
	cp := sch.Clone()
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	if err := s.writeEntity(s.schedulePath(cp.LegionID, cp.ID), cp); err != nil {
		return err
	}
	next := snap.clone()
	next.schedules[cp.ID] = cp
	s.snap.Store(next)
	*sch = *cp.Clone()
	return nil
}

// MutateSchedule applies fn to the current schedule under the store lock and
// persists the result.
func (s *Store) MutateSchedule(id string, fn func(*Schedule) error) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	cur, ok := snap.schedules[id]
	if !ok {
		return nil, apperrors.NotFound("schedule", id)
	}
	cp := cur.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	if err := s.writeEntity(s.schedulePath(cp.LegionID, cp.ID), cp); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.schedules[id] = cp
	s.snap.Store(next)
	return cp.Clone(), nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	sch, ok := snap.schedules[id]
	if !ok {
		return apperrors.NotFound("schedule", id)
	}
	if err := os.Remove(s.schedulePath(sch.LegionID, id)); err != nil && !os.IsNotExist(err) {
		return apperrors.Unavailable("failed to delete schedule file", err)
	}
	next := snap.clone()
	delete(next.schedules, id)
	s.snap.Store(next)
	return nil
}
