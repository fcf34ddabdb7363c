// Package scheduler runs the cron-driven prompt dispatcher. A single
// dispatch loop maintains a min-heap of (next_run_at, schedule_id) and fires
// due schedules against their target minions with retries, timeouts, and a
// bounded execution history.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// entry is one armed schedule in the min-heap.
type entry struct {
	at         time.Time
	scheduleID string
	index      int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns the cron dispatch loop.
type Scheduler struct {
	store    *store.Store
	sessions *session.Manager
	bus      bus.EventBus
	logger   *logger.Logger
	cfg      config.SchedulerConfig

	mu      sync.Mutex
	heap    entryHeap
	armed   map[string]*entry
	running bool
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start to begin dispatching.
func NewScheduler(st *store.Store, sessions *session.Manager, b bus.EventBus, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		sessions: sessions,
		bus:      b,
		logger:   log.WithComponent("scheduler"),
		cfg:      cfg,
		armed:    make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// ValidateCron reports whether expr is a valid cron expression.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return apperrors.BadRequest(fmt.Sprintf("invalid cron expression %q", expr))
	}
	return nil
}

// Start arms every active schedule from the store and begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, sch := range s.store.ListSchedules("") {
		if sch.Status == store.ScheduleActive {
			s.Refresh(sch.ID)
		}
	}

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop stops the dispatch loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Refresh re-arms a schedule after any mutation: active schedules get their
// next firing computed and pushed; others are disarmed.
func (s *Scheduler) Refresh(scheduleID string) {
	sch, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		s.disarm(scheduleID)
		return
	}
	if sch.Status != store.ScheduleActive {
		s.disarm(scheduleID)
		return
	}

	next, err := gronx.NextTickAfter(sch.Cron, time.Now(), false)
	if err != nil {
		s.logger.Error("failed to evaluate cron expression",
			zap.String("schedule_id", scheduleID),
			zap.String("cron", sch.Cron),
			zap.Error(err))
		return
	}

	if _, err := s.store.MutateSchedule(scheduleID, func(sc *store.Schedule) error {
		sc.NextRunAt = &next
		return nil
	}); err != nil {
		s.logger.Warn("failed to persist next_run_at", zap.Error(err))
	}

	s.mu.Lock()
	if old, ok := s.armed[scheduleID]; ok && old.index >= 0 {
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{at: next, scheduleID: scheduleID}
	heap.Push(&s.heap, e)
	s.armed[scheduleID] = e
	s.mu.Unlock()

	s.kick()
	s.publish(sch.LegionID, scheduleID, "armed")
}

func (s *Scheduler) disarm(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.armed[scheduleID]; ok {
		if old.index >= 0 {
			heap.Remove(&s.heap, old.index)
		}
		delete(s.armed, scheduleID)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	tick := time.Duration(s.cfg.TickInterval) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}

	for {
		s.mu.Lock()
		var wait time.Duration = tick
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue(ctx)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue pops every due entry and executes it on its own goroutine.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.armed, e.scheduleID)
		s.mu.Unlock()

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.execute(ctx, id)
		}(e.scheduleID)
	}
}

// execute runs one firing: verify still active, recompute the next firing,
// then dispatch the prompt with retries inside the deadline window.
func (s *Scheduler) execute(ctx context.Context, scheduleID string) {
	sch, err := s.store.GetSchedule(scheduleID)
	if err != nil || sch.Status != store.ScheduleActive {
		return
	}

	// Re-arm for the following firing before running this one.
	s.Refresh(scheduleID)

	started := time.Now().UTC()
	outcome, runErr := s.runOnce(ctx, sch)

	run := store.ScheduleRun{
		Started: started,
		Ended:   time.Now().UTC(),
		Outcome: outcome,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	if _, err := s.store.MutateSchedule(scheduleID, func(sc *store.Schedule) error {
		sc.History = append(sc.History, run)
		if len(sc.History) > limit {
			sc.History = sc.History[len(sc.History)-limit:]
		}
		return nil
	}); err != nil {
		s.logger.Warn("failed to record schedule history", zap.Error(err))
	}

	s.publish(sch.LegionID, scheduleID, string(outcome))
	s.logger.Info("schedule fired",
		zap.String("schedule_id", scheduleID),
		zap.String("outcome", string(outcome)),
		zap.Error(runErr))
}

// runOnce performs the execution pipeline with retry/backoff bounded by the
// per-run deadline.
func (s *Scheduler) runOnce(ctx context.Context, sch *store.Schedule) (store.RunOutcome, error) {
	timeout := time.Duration(sch.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt, err := s.sessions.Get(sch.TargetID)
	if err != nil {
		return store.RunTargetUnavailable, err
	}

	state, _ := rt.State()
	if state.Terminal() && !sch.ResetSession && !sch.StartIfStopped {
		return store.RunTargetUnavailable, fmt.Errorf("target session is %s", state)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = timeout

	var attempt int
	var lastErr error
	for {
		lastErr = s.attempt(deadline, rt, sch)
		if lastErr == nil {
			return store.RunOK, nil
		}
		if deadline.Err() != nil {
			_ = rt.Interrupt()
			return store.RunTimeout, fmt.Errorf("run exceeded %v", timeout)
		}
		attempt++
		if attempt > sch.MaxRetries {
			return store.RunError, lastErr
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return store.RunError, lastErr
		}
		s.logger.Warn("schedule attempt failed, retrying",
			zap.String("schedule_id", sch.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(lastErr))
		select {
		case <-deadline.Done():
			_ = rt.Interrupt()
			return store.RunTimeout, fmt.Errorf("run exceeded %v", timeout)
		case <-s.stopCh:
			return store.RunError, lastErr
		case <-time.After(wait):
		}
	}
}

// attempt performs one delivery: optional reset, ensure the target is
// active, enqueue the prompt with a scheduled-origin marker, and wait for
// the turn to finish.
func (s *Scheduler) attempt(ctx context.Context, rt *session.Runtime, sch *store.Schedule) error {
	if sch.ResetSession {
		if err := rt.Reset(); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		if err := s.waitForState(ctx, rt, store.SessionCreated); err != nil {
			return err
		}
	}

	if state, _ := rt.State(); state != store.SessionActive {
		if err := rt.Start(ctx); err != nil && !apperrors.IsInvalidState(err) {
			return fmt.Errorf("start failed: %w", err)
		}
		if err := s.waitForState(ctx, rt, store.SessionActive); err != nil {
			return err
		}
	}

	item, err := rt.Enqueue(sch.Prompt, nil, map[string]string{
		"origin":      session.OriginSchedule,
		"schedule_id": sch.ID,
	}, false)
	if err != nil {
		return err
	}

	select {
	case <-item.Done():
		if item.Failed || item.Status == session.ItemCancelled {
			return fmt.Errorf("scheduled turn ended in failure")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForState polls until the runtime reaches the wanted state.
func (s *Scheduler) waitForState(ctx context.Context, rt *session.Runtime, want store.SessionState) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state, _ := rt.State(); state == want {
			return nil
		} else if state == store.SessionError {
			return fmt.Errorf("target session entered error state")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) publish(legionID, scheduleID, status string) {
	ev := bus.NewEvent("schedule_updated", "scheduler", map[string]any{
		"legion_id":   legionID,
		"schedule_id": scheduleID,
		"status":      status,
	})
	if err := s.bus.Publish(context.Background(), events.BuildScheduleSubject(legionID), ev); err != nil {
		s.logger.Warn("failed to publish schedule event", zap.Error(err))
	}
}
