package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/store"
	"github.com/legionhq/legiond/internal/testutil"
)

type fixture struct {
	env   *testutil.Env
	sched *Scheduler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	env.CreateProject(t, "legion-1", true)
	sched := NewScheduler(env.Store, env.Manager, env.Bus, config.SchedulerConfig{TickInterval: 1, HistoryLimit: 3}, env.Logger)
	return &fixture{env: env, sched: sched}
}

func (f *fixture) addSchedule(t *testing.T, id, target string, mutate func(*store.Schedule)) *store.Schedule {
	t.Helper()
	sch := &store.Schedule{
		ID:             id,
		LegionID:       "legion-1",
		TargetID:       target,
		Cron:           "* * * * *",
		Prompt:         "daily checkin",
		Status:         store.ScheduleActive,
		TimeoutSeconds: 5,
	}
	if mutate != nil {
		mutate(sch)
	}
	require.NoError(t, f.env.Store.CreateSchedule(sch))
	return sch
}

// respondTurns completes agent turns as the fake driver receives prompts.
// Restart and reset swap drivers, so progress is tracked per driver.
func (f *fixture) respondTurns(t *testing.T, sessionID string, fail bool) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		var current *testutil.FakeDriver
		seen := 0
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			d := f.env.Driver(sessionID)
			if d == nil {
				continue
			}
			if d != current {
				current = d
				seen = 0
			}
			sent := d.Sent()
			for seen < len(sent) {
				seen++
				d.Emit(driverResultEvent(fail))
			}
		}
	}()
	return func() { close(done) }
}

func driverResultEvent(fail bool) driver.Event {
	return driver.Event{Type: driver.EventResult, IsError: fail}
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.NoError(t, ValidateCron("0 9 * * 1-5"))

	err := ValidateCron("not a cron")
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestRefreshArmsActiveSchedule(t *testing.T) {
	f := setup(t)
	f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.addSchedule(t, "sch-1", "m-1", nil)

	f.sched.Refresh("sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, sch.NextRunAt.After(time.Now()))
}

func TestRefreshDisarmsPausedSchedule(t *testing.T) {
	f := setup(t)
	f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.addSchedule(t, "sch-1", "m-1", func(s *store.Schedule) { s.Status = store.SchedulePaused })

	f.sched.Refresh("sch-1")

	f.sched.mu.Lock()
	_, armed := f.sched.armed["sch-1"]
	f.sched.mu.Unlock()
	assert.False(t, armed)
}

func TestExecuteRecordsTargetUnavailable(t *testing.T) {
	f := setup(t)
	rt := f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.env.StartSession(t, rt)
	require.NoError(t, rt.Terminate())
	f.env.WaitState(t, rt, store.SessionTerminated)

	f.addSchedule(t, "sch-1", "m-1", nil)
	f.sched.execute(context.Background(), "sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	require.Len(t, sch.History, 1)
	assert.Equal(t, store.RunTargetUnavailable, sch.History[0].Outcome)
	// next_run_at is recomputed after the terminal outcome.
	require.NotNil(t, sch.NextRunAt)
}

func TestExecuteStartsTargetAndRunsPrompt(t *testing.T) {
	f := setup(t)
	f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.addSchedule(t, "sch-1", "m-1", func(s *store.Schedule) { s.StartIfStopped = true })

	stop := f.respondTurns(t, "m-1", false)
	defer stop()

	f.sched.execute(context.Background(), "sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	require.Len(t, sch.History, 1)
	assert.Equal(t, store.RunOK, sch.History[0].Outcome)

	sent := f.env.Driver("m-1").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "daily checkin", sent[0])
}

func TestExecuteWithResetClearsHistoryFirst(t *testing.T) {
	f := setup(t)
	rt := f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.env.StartSession(t, rt)

	// Seed some history into the event log.
	_, err := rt.Enqueue("old turn", nil, nil, false)
	require.NoError(t, err)
	stop := f.respondTurns(t, "m-1", false)
	require.Eventually(t, func() bool {
		_, processing := rt.State()
		return !processing && rt.Log().Count() > 0
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	f.addSchedule(t, "sch-1", "m-1", func(s *store.Schedule) { s.ResetSession = true })

	stop2 := f.respondTurns(t, "m-1", false)
	defer stop2()
	f.sched.execute(context.Background(), "sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	require.Len(t, sch.History, 1)
	assert.Equal(t, store.RunOK, sch.History[0].Outcome)

	// The log was truncated by the reset, so only the scheduled turn remains.
	records, err := rt.Log().Read(1, 0)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotContains(t, string(rec.Payload), "old turn")
	}
}

func TestExecuteRetriesThenRecordsError(t *testing.T) {
	f := setup(t)
	rt := f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.env.StartSession(t, rt)

	f.addSchedule(t, "sch-1", "m-1", func(s *store.Schedule) {
		s.MaxRetries = 0
		s.TimeoutSeconds = 5
	})

	stop := f.respondTurns(t, "m-1", true)
	defer stop()
	f.sched.execute(context.Background(), "sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	require.Len(t, sch.History, 1)
	assert.Equal(t, store.RunError, sch.History[0].Outcome)
	assert.NotEmpty(t, sch.History[0].Error)
}

func TestCancelledScheduleNeverFires(t *testing.T) {
	f := setup(t)
	f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.addSchedule(t, "sch-1", "m-1", func(s *store.Schedule) { s.Status = store.ScheduleCancelled })

	f.sched.execute(context.Background(), "sch-1")

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	assert.Empty(t, sch.History)
}

func TestHistoryBounded(t *testing.T) {
	f := setup(t)
	rt := f.env.CreateSession(t, "m-1", "legion-1", "minion")
	f.env.StartSession(t, rt)
	f.addSchedule(t, "sch-1", "m-1", nil)

	stop := f.respondTurns(t, "m-1", false)
	defer stop()

	// HistoryLimit is 3; run five times and expect the oldest evicted.
	for i := 0; i < 5; i++ {
		f.sched.execute(context.Background(), "sch-1")
	}

	sch, err := f.env.Store.GetSchedule("sch-1")
	require.NoError(t, err)
	assert.Len(t, sch.History, 3)
}

func TestStartStop(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.sched.Start(context.Background()))
	assert.ErrorIs(t, f.sched.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, f.sched.Stop())
	assert.ErrorIs(t, f.sched.Stop(), ErrSchedulerNotRunning)
}
