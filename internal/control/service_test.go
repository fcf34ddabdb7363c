package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/scheduler"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
	"github.com/legionhq/legiond/internal/testutil"
)

type fixture struct {
	env  *testutil.Env
	ctrl *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)

	coord := legion.NewCoordinator(env.Store, env.Manager, env.Bus, env.Logger)
	router := legion.NewRouter(env.Store, env.Manager, coord, env.Bus, env.Logger)
	t.Cleanup(router.Close)
	sched := scheduler.NewScheduler(env.Store, env.Manager, env.Bus, config.SchedulerConfig{TickInterval: 1, HistoryLimit: 10}, env.Logger)

	ctrl := NewService(env.Store, env.Manager, coord, router, sched, env.Bus, env.Logger)
	return &fixture{env: env, ctrl: ctrl}
}

func TestCreateProjectRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "web", WorkingDir: "/srv/web"})
	require.NoError(t, err)

	got, err := f.ctrl.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, got.ID)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, "/srv/web", got.WorkingDir)
}

func TestCreateProjectValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "", WorkingDir: "/srv"})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "x", WorkingDir: "relative/path"})
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestReorderProjectsIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		p, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: name, WorkingDir: "/srv/" + name})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	reversed := []string{ids[2], ids[1], ids[0]}
	require.NoError(t, f.ctrl.ReorderProjects(ctx, reversed))

	listed := f.ctrl.ListProjects(ctx)
	var got []string
	for _, p := range listed {
		got = append(got, p.ID)
	}
	assert.Equal(t, reversed, got)

	// Reordering with the returned order yields the same list.
	require.NoError(t, f.ctrl.ReorderProjects(ctx, got))
	listed2 := f.ctrl.ListProjects(ctx)
	var got2 []string
	for _, p := range listed2 {
		got2 = append(got2, p.ID)
	}
	assert.Equal(t, got, got2)

	// Partial lists are rejected.
	err := f.ctrl.ReorderProjects(ctx, reversed[:2])
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestCreateSessionFromTemplate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	tmpl, err := f.ctrl.CreateTemplate(ctx, CreateTemplateArgs{
		Name:           "builder",
		PermissionMode: store.PermissionAcceptEdits,
		AllowedTools:   []string{"Write", "Edit"},
		Model:          "sonnet",
		InitContext:    "You build things.",
	})
	require.NoError(t, err)

	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{
		ProjectID:  proj.ID,
		TemplateID: tmpl.ID,
		Name:       "builder-1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.PermissionAcceptEdits, sess.InitialPermissionMode)
	assert.Equal(t, []string{"Write", "Edit"}, sess.AllowedTools)
	assert.Equal(t, "sonnet", sess.Model)
	assert.Contains(t, sess.SystemPromptAppend, "You build things.")

	got, err := f.ctrl.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// The project now owns the session.
	proj2, err := f.ctrl.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Contains(t, proj2.SessionIDs, sess.ID)
}

func TestCreateSessionNameRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "l", WorkingDir: "/srv/l", Legion: true})
	require.NoError(t, err)

	_, err = f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "two words"})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "alpha"})
	require.NoError(t, err)

	// Names are unique within a legion.
	_, err = f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "alpha"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestSendMessageLifecycleRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "w"})
	require.NoError(t, err)

	_, err = f.ctrl.SendMessage(ctx, sess.ID, SendMessageArgs{Body: ""})
	assert.True(t, apperrors.IsBadRequest(err))

	item, err := f.ctrl.SendMessage(ctx, sess.ID, SendMessageArgs{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, session.ItemPending, item.Status)

	require.NoError(t, f.ctrl.StartSession(ctx, sess.ID))
	rt, err := f.env.Manager.Get(sess.ID)
	require.NoError(t, err)
	f.env.WaitState(t, rt, store.SessionActive)

	require.NoError(t, f.ctrl.TerminateSession(ctx, sess.ID))
	f.env.WaitState(t, rt, store.SessionTerminated)

	_, err = f.ctrl.SendMessage(ctx, sess.ID, SendMessageArgs{Body: "too late"})
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestRespondPermissionValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "w"})
	require.NoError(t, err)

	err = f.ctrl.RespondPermission(ctx, RespondPermissionArgs{SessionID: sess.ID, RequestID: "x", Decision: "maybe"})
	assert.True(t, apperrors.IsBadRequest(err))

	err = f.ctrl.RespondPermission(ctx, RespondPermissionArgs{SessionID: "missing", RequestID: "x", Decision: "allow"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestPreviewEffectivePermissions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	result, err := f.ctrl.PreviewEffectivePermissions(ctx, PreviewPermissionsArgs{
		WorkingDir:          "/srv/p",
		SettingSources:      [][]string{{"Read", "Grep"}, {"Read", "Bash"}},
		SessionAllowedTools: []string{"Write"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Read", "Grep", "Bash", "Write"}, result.AllowedTools)

	_, err = f.ctrl.PreviewEffectivePermissions(ctx, PreviewPermissionsArgs{WorkingDir: "relative"})
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestScheduleLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "l", WorkingDir: "/srv/l", Legion: true})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "m"})
	require.NoError(t, err)

	_, err = f.ctrl.CreateSchedule(ctx, CreateScheduleArgs{LegionID: proj.ID, TargetID: sess.ID, Cron: "bogus", Prompt: "p"})
	assert.True(t, apperrors.IsBadRequest(err))

	sch, err := f.ctrl.CreateSchedule(ctx, CreateScheduleArgs{
		LegionID: proj.ID,
		TargetID: sess.ID,
		Cron:     "*/5 * * * *",
		Prompt:   "check in",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleActive, sch.Status)
	assert.NotNil(t, sch.NextRunAt)

	require.NoError(t, f.ctrl.PauseSchedule(ctx, sch.ID))
	got, err := f.ctrl.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SchedulePaused, got.Status)

	require.NoError(t, f.ctrl.ResumeSchedule(ctx, sch.ID))
	require.NoError(t, f.ctrl.CancelSchedule(ctx, sch.ID))

	// A cancelled schedule never comes back.
	err = f.ctrl.ResumeSchedule(ctx, sch.ID)
	assert.True(t, apperrors.IsInvalidState(err))

	// Deleting an active schedule cancels it first.
	sch2, err := f.ctrl.CreateSchedule(ctx, CreateScheduleArgs{
		LegionID: proj.ID, TargetID: sess.ID, Cron: "*/5 * * * *", Prompt: "x",
	})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.DeleteSchedule(ctx, sch2.ID))
	_, err = f.ctrl.GetSchedule(ctx, sch2.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScheduleRequiresLegion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "w"})
	require.NoError(t, err)

	_, err = f.ctrl.CreateSchedule(ctx, CreateScheduleArgs{LegionID: proj.ID, TargetID: sess.ID, Cron: "* * * * *", Prompt: "p"})
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestUpdateTemplateCreatesNewRevision(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.ctrl.CreateTemplate(ctx, CreateTemplateArgs{Name: "base", InitContext: "v1"})
	require.NoError(t, err)

	v2, err := f.ctrl.UpdateTemplate(ctx, v1.ID, CreateTemplateArgs{InitContext: "v2"})
	require.NoError(t, err)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, v1.BaseID, v2.BaseID)
	assert.Equal(t, 2, v2.Revision)

	// The original revision is untouched.
	got, err := f.ctrl.GetTemplate(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.InitContext)
}

func TestDeleteProjectCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "w"})
	require.NoError(t, err)

	require.NoError(t, f.ctrl.StartSession(ctx, sess.ID))
	rt, err := f.env.Manager.Get(sess.ID)
	require.NoError(t, err)
	f.env.WaitState(t, rt, store.SessionActive)

	require.NoError(t, f.ctrl.DeleteProject(ctx, proj.ID))

	_, err = f.ctrl.GetProject(ctx, proj.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.ctrl.GetSession(ctx, sess.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTerminateCascadesToDescendants(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "l", WorkingDir: "/srv/l", Legion: true})
	require.NoError(t, err)

	parent, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "parent"})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartSession(ctx, parent.ID))
	parentRt, err := f.env.Manager.Get(parent.ID)
	require.NoError(t, err)
	f.env.WaitState(t, parentRt, store.SessionActive)

	tmpl, err := f.ctrl.CreateTemplate(ctx, CreateTemplateArgs{Name: "t"})
	require.NoError(t, err)
	child, err := f.ctrl.CreateMinion(ctx, proj.ID, CreateMinionArgs{
		ParentID:   parent.ID,
		TemplateID: tmpl.ID,
		Name:       "child",
	})
	require.NoError(t, err)
	childRt, err := f.env.Manager.Get(child.ID)
	require.NoError(t, err)
	f.env.WaitState(t, childRt, store.SessionActive)

	require.NoError(t, f.ctrl.TerminateSession(ctx, parent.ID))
	f.env.WaitState(t, parentRt, store.SessionTerminated)
	f.env.WaitState(t, childRt, store.SessionTerminated)
}

func TestGetMessagesWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proj, err := f.ctrl.CreateProject(ctx, CreateProjectArgs{Name: "p", WorkingDir: "/srv/p"})
	require.NoError(t, err)
	sess, err := f.ctrl.CreateSession(ctx, CreateSessionArgs{ProjectID: proj.ID, Name: "w"})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartSession(ctx, sess.ID))
	rt, err := f.env.Manager.Get(sess.ID)
	require.NoError(t, err)
	f.env.WaitState(t, rt, store.SessionActive)

	_, err = f.ctrl.SendMessage(ctx, sess.ID, SendMessageArgs{Body: "hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d := f.env.Driver(sess.ID)
		return d != nil && len(d.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.env.Driver(sess.ID).FinishTurn()
	require.Eventually(t, func() bool {
		_, processing := rt.State()
		return !processing
	}, 2*time.Second, 10*time.Millisecond)

	all, err := f.ctrl.GetMessages(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)

	window, err := f.ctrl.GetMessages(ctx, sess.ID, 2, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(window), 2)
	if len(window) > 0 {
		assert.Equal(t, uint64(2), window[0].Seq)
	}
}
