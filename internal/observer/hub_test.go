package observer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legiond/internal/common/config"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/testutil"
)

type fixture struct {
	env    *testutil.Env
	router *legion.Router
	hub    *Hub
}

func setup(t *testing.T, queueDepth int) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	env.CreateProject(t, "legion-1", true)

	coord := legion.NewCoordinator(env.Store, env.Manager, env.Bus, env.Logger)
	router := legion.NewRouter(env.Store, env.Manager, coord, env.Bus, env.Logger)
	t.Cleanup(router.Close)

	hub := NewHub(env.Manager, router, env.Bus, config.ObserverConfig{
		QueueDepth:        queueDepth,
		HeartbeatInterval: 1,
		AckGrace:          60,
	}, env.Logger)
	t.Cleanup(hub.Shutdown)

	return &fixture{env: env, router: router, hub: hub}
}

// runTurn drives one complete turn on the session.
func (f *fixture) runTurn(t *testing.T, rt *session.Runtime, sessionID, input string) {
	t.Helper()
	_, err := rt.Enqueue(input, nil, nil, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d := f.env.Driver(sessionID)
		return d != nil && len(d.Sent()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	d := f.env.Driver(sessionID)
	d.Emit(driver.Event{Type: driver.EventToolUse, ToolUseID: "tu1", ToolName: "Read"})
	d.Emit(driver.Event{Type: driver.EventToolResult, ToolUseID: "tu1"})
	d.Emit(driver.Event{Type: driver.EventAssistantText, Text: "done"})
	d.FinishTurn()
	require.Eventually(t, func() bool {
		_, processing := rt.State()
		return !processing
	}, 2*time.Second, 10*time.Millisecond)
}

func collect(t *testing.T, sub *Subscriber, n int) []*Notification {
	t.Helper()
	var out []*Notification
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case notif, ok := <-sub.Out():
			if !ok {
				t.Fatalf("subscriber closed (%s) after %d notifications", sub.Reason(), len(out))
			}
			// Skip heartbeats and live status pulses; the tests assert on
			// replayable, sequence-stamped events.
			if notif.Kind == "heartbeat" || notif.Seq == 0 {
				continue
			}
			out = append(out, notif)
		case <-deadline:
			t.Fatalf("timed out after %d notifications", len(out))
		}
	}
	return out
}

func TestReplayFromCursorZero(t *testing.T) {
	f := setup(t, 64)
	rt := f.env.CreateSession(t, "s1", "legion-1", "worker")
	f.env.StartSession(t, rt)
	f.runTurn(t, rt, "s1", "do something")

	total := int(rt.Log().Count())
	require.Greater(t, total, 0)

	sub, err := f.hub.Subscribe(StreamSession, "s1", 0)
	require.NoError(t, err)
	defer f.hub.Unsubscribe(sub.ID)

	notifs := collect(t, sub, total)
	for i, n := range notifs {
		assert.Equal(t, uint64(i+1), n.Seq, "replay must be gapless and ordered")
	}

	// Replay reproduces the same tool-call projection a live observer sees.
	records := make([]*eventlog.Record, 0, len(notifs))
	for _, n := range notifs {
		rec, ok := n.Payload.(*eventlog.Record)
		require.True(t, ok)
		records = append(records, rec)
	}
	replayed := session.ProjectToolCalls(records)
	live := rt.ListToolCalls()
	require.Equal(t, len(live), len(replayed))
	for i := range live {
		assert.Equal(t, live[i].Status, replayed[i].Status)
	}
}

func TestResumeFromCursor(t *testing.T) {
	f := setup(t, 64)
	rt := f.env.CreateSession(t, "s1", "legion-1", "worker")
	f.env.StartSession(t, rt)
	f.runTurn(t, rt, "s1", "first")

	cursor := rt.Log().Count() - 2

	sub, err := f.hub.Subscribe(StreamSession, "s1", cursor)
	require.NoError(t, err)
	defer f.hub.Unsubscribe(sub.ID)

	notifs := collect(t, sub, 2)
	assert.Equal(t, cursor+1, notifs[0].Seq)
	assert.Equal(t, cursor+2, notifs[1].Seq)
}

func TestLiveTailAfterReplay(t *testing.T) {
	f := setup(t, 256)
	rt := f.env.CreateSession(t, "s1", "legion-1", "worker")
	f.env.StartSession(t, rt)
	f.runTurn(t, rt, "s1", "first")

	replayed := int(rt.Log().Count())
	sub, err := f.hub.Subscribe(StreamSession, "s1", 0)
	require.NoError(t, err)
	defer f.hub.Unsubscribe(sub.ID)

	// New events arrive while the subscriber is attached.
	f.runTurn(t, rt, "s1", "second")
	total := int(rt.Log().Count())
	require.Greater(t, total, replayed)

	notifs := collect(t, sub, total)
	seen := make(map[uint64]bool)
	var last uint64
	for _, n := range notifs {
		assert.False(t, seen[n.Seq], "no duplicate deliveries")
		seen[n.Seq] = true
		assert.Greater(t, n.Seq, last, "strictly increasing")
		last = n.Seq
	}
}

func TestLaggedSubscriberDropped(t *testing.T) {
	f := setup(t, 4)
	rt := f.env.CreateSession(t, "s1", "legion-1", "worker")
	f.env.StartSession(t, rt)

	sub, err := f.hub.Subscribe(StreamSession, "s1", 0)
	require.NoError(t, err)

	// The subscriber never drains while the session emits far more than the
	// bounded queue holds; the writer must not block.
	for i := 0; i < 5; i++ {
		f.runTurn(t, rt, "s1", "burst")
	}

	select {
	case <-sub.Closed():
		assert.Equal(t, ReasonLagged, sub.Reason())
	case <-time.After(2 * time.Second):
		t.Fatal("lagged subscriber was not dropped")
	}
}

func TestLegionStreamCarriesComms(t *testing.T) {
	f := setup(t, 64)
	rtA := f.env.CreateSession(t, "a-1", "legion-1", "alpha")
	rtB := f.env.CreateSession(t, "b-1", "legion-1", "beta")
	f.env.StartSession(t, rtA)
	f.env.StartSession(t, rtB)

	sub, err := f.hub.Subscribe(StreamLegion, "legion-1", 0)
	require.NoError(t, err)
	defer f.hub.Unsubscribe(sub.ID)

	_, err = f.router.Send(context.Background(), "legion-1", legion.SendArgs{
		From:    "alpha",
		To:      "beta",
		Kind:    legion.CommTask,
		Summary: "go",
	})
	require.NoError(t, err)

	notifs := collect(t, sub, 1)
	assert.Equal(t, "comm", notifs[0].Kind)
}

func TestUnsubscribeClosesSubscriber(t *testing.T) {
	f := setup(t, 64)
	rt := f.env.CreateSession(t, "s1", "legion-1", "worker")
	f.env.StartSession(t, rt)

	sub, err := f.hub.Subscribe(StreamSession, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.hub.SubscriberCount())

	f.hub.Unsubscribe(sub.ID)
	select {
	case <-sub.Closed():
		assert.Equal(t, ReasonUnsubscribe, sub.Reason())
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not close the subscriber")
	}
	assert.Equal(t, 0, f.hub.SubscriberCount())
}

func TestUnknownStreamKindRejected(t *testing.T) {
	f := setup(t, 64)
	_, err := f.hub.Subscribe(StreamKind("bogus"), "x", 0)
	assert.Error(t, err)
}
