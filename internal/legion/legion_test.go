package legion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/store"
	"github.com/legionhq/legiond/internal/testutil"
)

type fixture struct {
	env    *testutil.Env
	coord  *Coordinator
	router *Router
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	env.CreateProject(t, "legion-1", true)

	coord := NewCoordinator(env.Store, env.Manager, env.Bus, env.Logger)
	router := NewRouter(env.Store, env.Manager, coord, env.Bus, env.Logger)
	t.Cleanup(router.Close)
	return &fixture{env: env, coord: coord, router: router}
}

func (f *fixture) addMinion(t *testing.T, id, name string) {
	t.Helper()
	rt := f.env.CreateSession(t, id, "legion-1", name)
	require.NoError(t, f.coord.Register("legion-1", name, id))
	f.env.StartSession(t, rt)
}

func (f *fixture) waitSent(t *testing.T, sessionID string, n int) []string {
	t.Helper()
	var sent []string
	require.Eventually(t, func() bool {
		d := f.env.Driver(sessionID)
		if d == nil {
			return false
		}
		sent = d.Sent()
		return len(sent) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return sent
}

func (f *fixture) addTemplate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.env.Store.CreateTemplate(&store.Template{
		ID:             "tmpl-1",
		BaseID:         "tmpl-1",
		Revision:       1,
		Name:           "researcher",
		PermissionMode: store.PermissionDefault,
		AllowedTools:   []string{"Read", "Grep"},
		InitContext:    "You are a researcher.",
	}))
}

func TestSpawnMinion(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "parent-1", "overseer")
	f.addTemplate(t)

	sess, err := f.coord.Spawn(context.Background(), SpawnArgs{
		LegionID:   "legion-1",
		ParentID:   "parent-1",
		TemplateID: "tmpl-1",
		Name:       "scout",
		Role:       "find things",
	})
	require.NoError(t, err)
	assert.Equal(t, "scout", sess.Name)
	assert.Equal(t, "parent-1", sess.ParentID)
	assert.Contains(t, sess.SystemPromptAppend, "You are a researcher.")
	assert.Contains(t, sess.SystemPromptAppend, "find things")
	assert.Equal(t, []string{"Read", "Grep"}, sess.AllowedTools)

	id, ok := f.coord.Resolve("legion-1", "scout")
	assert.True(t, ok)
	assert.Equal(t, sess.ID, id)

	parent, err := f.env.Store.GetSession("parent-1")
	require.NoError(t, err)
	assert.Contains(t, parent.ChildIDs, sess.ID)
}

func TestSpawnValidation(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "parent-1", "overseer")
	f.addTemplate(t)
	ctx := context.Background()

	t.Run("whitespace name rejected", func(t *testing.T) {
		_, err := f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "two words"})
		assert.True(t, apperrors.IsBadRequest(err))
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		_, err := f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "overseer"})
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("missing template", func(t *testing.T) {
		_, err := f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "nope", Name: "x1"})
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("inactive parent rejected", func(t *testing.T) {
		rt, err := f.env.Manager.Get("parent-1")
		require.NoError(t, err)
		require.NoError(t, rt.Terminate())
		f.env.WaitState(t, rt, store.SessionTerminated)

		_, err = f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "x2"})
		assert.True(t, apperrors.IsInvalidState(err))
	})
}

func TestSpawnHonoursConcurrencyCap(t *testing.T) {
	f := setup(t)
	proj, err := f.env.Store.GetProject("legion-1")
	require.NoError(t, err)
	proj.MaxConcurrentMinions = 2
	require.NoError(t, f.env.Store.UpdateProject(proj))

	f.addMinion(t, "parent-1", "overseer")
	f.addTemplate(t)

	// overseer + one spawn fills the cap of two live minions.
	_, err = f.coord.Spawn(context.Background(), SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "scout"})
	require.NoError(t, err)

	_, err = f.coord.Spawn(context.Background(), SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "extra"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestDisposeCascadesThroughDescendants(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "parent-1", "overseer")
	f.addTemplate(t)
	ctx := context.Background()

	child, err := f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: "parent-1", TemplateID: "tmpl-1", Name: "scout"})
	require.NoError(t, err)
	childRt, err := f.env.Manager.Get(child.ID)
	require.NoError(t, err)
	f.env.WaitState(t, childRt, store.SessionActive)

	grandchild, err := f.coord.Spawn(ctx, SpawnArgs{LegionID: "legion-1", ParentID: child.ID, TemplateID: "tmpl-1", Name: "helper"})
	require.NoError(t, err)
	grandRt, err := f.env.Manager.Get(grandchild.ID)
	require.NoError(t, err)
	f.env.WaitState(t, grandRt, store.SessionActive)

	require.NoError(t, f.coord.Dispose(ctx, "legion-1", "scout", "learned: the cache is stale"))

	f.env.WaitState(t, childRt, store.SessionDisposed)
	f.env.WaitState(t, grandRt, store.SessionDisposed)

	_, ok := f.coord.Resolve("legion-1", "scout")
	assert.False(t, ok)
	_, ok = f.coord.Resolve("legion-1", "helper")
	assert.False(t, ok)

	// Metadata is retained for history.
	got, err := f.env.Store.GetSession(child.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionDisposed, got.State)
}

func TestDirectCommDelivery(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	f.addMinion(t, "b-1", "beta")

	comm, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From:    "alpha",
		To:      "beta",
		Kind:    CommTask,
		Summary: "check the logs",
		Body:    "look at yesterday's failures",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), comm.Seq)
	assert.Equal(t, DeliveryQueued, comm.Delivery["beta"])

	sent := f.waitSent(t, "b-1", 1)
	assert.True(t, strings.HasPrefix(sent[0], "Comm from alpha"))
	assert.Contains(t, sent[0], "check the logs")

	// Sequence numbers are strictly increasing per legion.
	comm2, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From: "beta", To: "alpha", Kind: CommReport, Summary: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), comm2.Seq)
}

func TestCommValidation(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	ctx := context.Background()

	_, err := f.router.Send(ctx, "legion-1", SendArgs{From: "alpha", To: "ghost", Kind: CommInfo, Summary: "s"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.router.Send(ctx, "legion-1", SendArgs{From: "ghost", To: "alpha", Kind: CommInfo, Summary: "s"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.router.Send(ctx, "legion-1", SendArgs{From: "alpha", To: "alpha", Kind: "shout", Summary: "s"})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.router.Send(ctx, "legion-1", SendArgs{From: "alpha", To: "alpha", Kind: CommInfo, Priority: "urgent", Summary: "s"})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.router.Send(ctx, "legion-1", SendArgs{From: "alpha", To: "alpha", Kind: CommInfo, Summary: ""})
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestHaltPriorityInterruptsAndJumpsQueue(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	f.addMinion(t, "b-1", "beta")

	// Put beta mid-turn with another item waiting behind it.
	rtB, err := f.env.Manager.Get("b-1")
	require.NoError(t, err)
	_, err = rtB.Enqueue("long running turn", nil, nil, false)
	require.NoError(t, err)
	f.waitSent(t, "b-1", 1)
	_, err = rtB.Enqueue("queued behind", nil, nil, false)
	require.NoError(t, err)

	comm, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From:     "alpha",
		To:       "beta",
		Kind:     CommTask,
		Summary:  "stop everything",
		Priority: PriorityHalt,
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, comm.Delivery["beta"])

	drvB := f.env.Driver("b-1")
	require.Eventually(t, func() bool { return drvB.Interrupts() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Finish the interrupted turn; the halt comm dispatches before the
	// previously queued item.
	drvB.Emit(driver.Event{Type: driver.EventResult, IsError: true})
	sent := f.waitSent(t, "b-1", 2)
	assert.Contains(t, sent[1], "stop everything")
}

func TestBroadcastAtMostOncePerRecipient(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	f.addMinion(t, "b-1", "beta")
	f.addMinion(t, "c-1", "gamma")

	comm, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From:    "alpha",
		To:      BroadcastRecipient,
		Kind:    CommInfo,
		Summary: "announcement",
	})
	require.NoError(t, err)

	assert.NotContains(t, comm.Delivery, "alpha")
	assert.Equal(t, DeliveryQueued, comm.Delivery["beta"])
	assert.Equal(t, DeliveryQueued, comm.Delivery["gamma"])

	f.waitSent(t, "b-1", 1)
	f.waitSent(t, "c-1", 1)
	assert.Empty(t, f.env.Driver("a-1").Sent())
}

func TestBroadcastMarksUnreachableRecipients(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	f.addMinion(t, "b-1", "beta")

	rtB, err := f.env.Manager.Get("b-1")
	require.NoError(t, err)
	require.NoError(t, rtB.Terminate())
	f.env.WaitState(t, rtB, store.SessionTerminated)

	comm, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From:    "alpha",
		To:      BroadcastRecipient,
		Kind:    CommInfo,
		Summary: "anyone there",
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryNotDelivered, comm.Delivery["beta"])
}

func TestOrchestratorCommSurfacedOnly(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")

	comm, err := f.router.Send(context.Background(), "legion-1", SendArgs{
		From:    "alpha",
		To:      OrchestratorRecipient,
		Kind:    CommReport,
		Summary: "all done",
	})
	require.NoError(t, err)
	assert.Equal(t, DeliverySurfaced, comm.Delivery[OrchestratorRecipient])
	assert.Empty(t, f.env.Driver("a-1").Sent())
}

func TestHaltAllAndResumeAll(t *testing.T) {
	f := setup(t)
	f.addMinion(t, "a-1", "alpha")
	f.addMinion(t, "b-1", "beta")

	require.NoError(t, f.coord.HaltAll("legion-1"))
	assert.True(t, f.coord.Halted("legion-1"))

	// Dispatch is latched shut while halted.
	rtA, err := f.env.Manager.Get("a-1")
	require.NoError(t, err)
	_, err = rtA.Enqueue("held back", nil, nil, false)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.env.Driver("a-1").Sent())

	require.NoError(t, f.coord.ResumeAll("legion-1"))
	assert.False(t, f.coord.Halted("legion-1"))
	f.waitSent(t, "a-1", 1)
}

func TestNoTwoMinionsShareAName(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.coord.Register("legion-1", "alpha", "a-1"))
	err := f.coord.Register("legion-1", "alpha", "a-2")
	assert.True(t, apperrors.IsConflict(err))

	f.coord.Unregister("legion-1", "alpha")
	assert.NoError(t, f.coord.Register("legion-1", "alpha", "a-2"))
}
