package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/store"
)

const (
	driverOpTimeout  = 30 * time.Second
	mailboxDepth     = 256
	defaultQueueSize = 100
)

// Runtime is the per-session state machine. One private goroutine serialises
// every mutation; external operations are delivered through the mailbox and
// handled in arrival order. The agent driver runs on its own goroutines and
// communicates through typed events.
type Runtime struct {
	id       string
	store    *store.Store
	log      *eventlog.Log
	bus      bus.EventBus
	factory  driver.Factory
	agentCfg config.AgentConfig
	logger   *logger.Logger

	mailbox chan func()
	closed  chan struct{}

	// Everything below is owned by the run loop.
	drv       driver.Driver
	drvEvents <-chan driver.Event

	queue *inputQueue
	tools *toolTracker
	perms *permissionMediator

	state         store.SessionState
	processing    bool
	pendingPrompt bool
	halted        bool
	lastSummary   string

	// inputCache is the ephemeral draft buffer; it survives reconnects but
	// is not part of the event log, so it has its own lock.
	inputCacheMu sync.Mutex
	inputCache   string
}

// NewRuntime builds a runtime for a stored session and starts its mailbox
// loop. The event log must already be open.
func NewRuntime(sess *store.Session, st *store.Store, log *eventlog.Log, b bus.EventBus, factory driver.Factory, agentCfg config.AgentConfig, lg *logger.Logger) *Runtime {
	r := &Runtime{
		id:         sess.ID,
		store:      st,
		log:        log,
		bus:        b,
		factory:    factory,
		agentCfg:   agentCfg,
		logger:     lg.WithComponent("session-runtime").WithSession(sess.ID),
		mailbox:    make(chan func(), mailboxDepth),
		closed:     make(chan struct{}),
		queue:      newInputQueue(defaultQueueSize),
		tools:      newToolTracker(),
		perms:      newPermissionMediator(),
		state:      sess.State,
		processing: sess.Processing,
	}
	go r.run()
	return r
}

// ID returns the session id.
func (r *Runtime) ID() string { return r.id }

// Log returns the session's event log for replay by observers.
func (r *Runtime) Log() *eventlog.Log { return r.log }

func (r *Runtime) run() {
	for {
		if r.drvEvents == nil {
			select {
			case fn := <-r.mailbox:
				fn()
			case <-r.closed:
				return
			}
			continue
		}
		select {
		case fn := <-r.mailbox:
			fn()
		case ev, ok := <-r.drvEvents:
			if !ok {
				r.drvEvents = nil
				continue
			}
			r.handleDriverEvent(ev)
		case <-r.closed:
			return
		}
	}
}

// do runs fn on the runtime goroutine and waits for its result.
func (r *Runtime) do(fn func() error) error {
	done := make(chan error, 1)
	select {
	case r.mailbox <- func() { done <- fn() }:
	case <-r.closed:
		return apperrors.Unavailable("session runtime stopped", nil)
	}
	select {
	case err := <-done:
		return err
	case <-r.closed:
		return apperrors.Unavailable("session runtime stopped", nil)
	}
}

// post delivers fn to the runtime goroutine without waiting. Used by driver
// completion callbacks.
func (r *Runtime) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.closed:
	}
}

// Close stops the mailbox loop. The driver, if any, must be stopped first.
func (r *Runtime) Close() {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

// --- event append / publish ---

// appendEvent writes a record, makes it durable, and fans it out. An event
// log write failure is fatal to the session.
func (r *Runtime) appendEvent(kind eventlog.Kind, payload any) *eventlog.Record {
	rec, err := r.log.Append(kind, payload)
	if err == nil {
		err = r.log.Sync()
	}
	if err != nil {
		r.fatalLogFailure(err)
		return nil
	}
	r.publishRecord(rec)
	return rec
}

func (r *Runtime) publishRecord(rec *eventlog.Record) {
	ev := bus.NewEvent(string(rec.Kind), "session-runtime", map[string]any{
		"session_id": r.id,
		"record":     rec,
	})
	if err := r.bus.Publish(context.Background(), events.BuildSessionEventSubject(r.id), ev); err != nil {
		r.logger.Warn("failed to publish session event", zap.Error(err))
	}
}

func (r *Runtime) publishState(reason string) {
	ev := bus.NewEvent("state_change", "session-runtime", map[string]any{
		"session_id":       r.id,
		"state":            string(r.state),
		"processing":       r.processing,
		"effective_status": r.effectiveStatus(),
		"reason":           reason,
	})
	if err := r.bus.Publish(context.Background(), events.BuildSessionStateSubject(r.id), ev); err != nil {
		r.logger.Warn("failed to publish state change", zap.Error(err))
	}
}

// fatalLogFailure transitions the session to error after a best-effort
// state-change record. The driver is stopped in the background.
func (r *Runtime) fatalLogFailure(cause error) {
	r.logger.Error("event log write failed, session entering error state", zap.Error(cause))
	r.state = store.SessionError
	r.processing = false
	r.pendingPrompt = false
	if rec, err := r.log.Append(eventlog.KindStateChange, StateChangePayload{
		State:           r.state,
		EffectiveStatus: r.effectiveStatus(),
		Reason:          "event log write failure",
	}); err == nil {
		_ = r.log.Sync()
		r.publishRecord(rec)
	}
	if d := r.drv; d != nil {
		r.drv = nil
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
			defer cancel()
			_ = d.Stop(ctx)
		}()
	}
	r.persistState()
	r.publishState("event log write failure")
}

// appendStateChange records the current state in the event log.
func (r *Runtime) appendStateChange(reason string) {
	r.appendEvent(eventlog.KindStateChange, StateChangePayload{
		State:           r.state,
		Processing:      r.processing,
		EffectiveStatus: r.effectiveStatus(),
		Reason:          reason,
	})
}

// persistState mirrors the runtime's lifecycle fields into the state store.
func (r *Runtime) persistState() {
	now := time.Now().UTC()
	_, err := r.store.MutateSession(r.id, func(s *store.Session) error {
		s.State = r.state
		s.Processing = r.processing
		s.LastActiveAt = &now
		if r.lastSummary != "" {
			s.LatestSummary = r.lastSummary
		}
		if r.state == store.SessionActive && s.StartedAt == nil {
			s.StartedAt = &now
		}
		return nil
	})
	if err != nil && !apperrors.IsNotFound(err) {
		r.logger.Error("failed to persist session state", zap.Error(err))
	}
}

func (r *Runtime) effectiveStatus() string {
	switch r.state {
	case store.SessionActive:
		if r.pendingPrompt {
			return "paused"
		}
		if r.processing {
			return "processing"
		}
		return "idle"
	default:
		return string(r.state)
	}
}

// EffectiveStatus returns the UI-facing combination of state and processing flag.
func (r *Runtime) EffectiveStatus() string {
	var status string
	_ = r.do(func() error {
		status = r.effectiveStatus()
		return nil
	})
	return status
}

// State returns the current lifecycle state and processing flag.
func (r *Runtime) State() (store.SessionState, bool) {
	var state store.SessionState
	var processing bool
	_ = r.do(func() error {
		state, processing = r.state, r.processing
		return nil
	})
	return state, processing
}

// --- start / stop lifecycle ---

// Start spawns the agent driver and transitions created/terminated/error to
// starting, then active once the agent initializes.
func (r *Runtime) Start(ctx context.Context) error {
	return r.do(func() error {
		switch r.state {
		case store.SessionCreated, store.SessionTerminated, store.SessionError:
		case store.SessionDisposed:
			return apperrors.InvalidState("session is disposed")
		default:
			return apperrors.InvalidState(fmt.Sprintf("cannot start session in state %s", r.state))
		}
		return r.startDriverLocked()
	})
}

// startDriverLocked begins the start sequence. Runs on the loop goroutine.
func (r *Runtime) startDriverLocked() error {
	sess, err := r.store.GetSession(r.id)
	if err != nil {
		return err
	}
	proj, err := r.store.GetProject(sess.ProjectID)
	if err != nil {
		return err
	}

	r.state = store.SessionStarting
	r.processing = false
	r.pendingPrompt = false
	r.appendStateChange("start requested")
	r.persistState()
	r.publishState("starting")

	d := r.factory(r.id, r.store.DriverLogPath(r.id), r.logger)
	params := driver.StartParams{
		WorkingDir:         proj.WorkingDir,
		Model:              sess.Model,
		PermissionMode:     string(sess.CurrentPermissionMode),
		AllowedTools:       sess.AllowedTools,
		SystemPromptAppend: sess.SystemPromptAppend,
	}

	go func() {
		initTimeout := r.agentCfg.InitTimeoutDuration()
		if initTimeout <= 0 {
			initTimeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		err := d.Start(ctx, params)
		r.post(func() { r.onStartFinished(d, err) })
	}()
	return nil
}

func (r *Runtime) onStartFinished(d driver.Driver, err error) {
	if r.state != store.SessionStarting {
		// A terminate raced the start; make sure the child dies.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
			defer cancel()
			_ = d.Stop(ctx)
		}()
		return
	}
	if err != nil {
		r.logger.Error("agent start failed", zap.Error(err))
		r.state = store.SessionError
		r.appendStateChange("agent start failed: " + err.Error())
		r.persistState()
		r.publishState("start failed")
		return
	}
	r.drv = d
	r.drvEvents = d.Events()
	r.state = store.SessionActive
	r.appendStateChange("agent initialized")
	r.persistState()
	r.publishState("active")
	r.maybeDispatch()
}

// stopTarget names where a driver stop lands the session.
type stopTarget int

const (
	targetTerminated stopTarget = iota
	targetRestarting
	targetCreated
	targetDisconnected
	targetDisposed
)

// beginStop resolves prompts, cancels active tools, transitions to
// terminating, and stops the driver in the background.
func (r *Runtime) beginStop(target stopTarget, reason string) error {
	switch r.state {
	case store.SessionTerminating:
		return apperrors.InvalidState("session is already terminating")
	case store.SessionTerminated, store.SessionDisposed:
		if target == targetTerminated || target == targetDisconnected {
			return nil
		}
	case store.SessionCreated:
		// Nothing is running yet; disconnect has nothing to stop.
		if target == targetDisconnected {
			return nil
		}
	}

	r.resolvePermissionsSynthetically(true)
	r.cancelActiveTools()

	d := r.drv
	r.drv = nil
	r.state = store.SessionTerminating
	r.processing = false
	r.pendingPrompt = false
	r.appendStateChange(reason)
	r.persistState()
	r.publishState(reason)

	if d == nil {
		r.onDriverStopped(target)
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
		defer cancel()
		_ = d.Stop(ctx)
		r.post(func() { r.onDriverStopped(target) })
	}()
	return nil
}

func (r *Runtime) onDriverStopped(target stopTarget) {
	r.drvEvents = nil

	switch target {
	case targetTerminated, targetDisposed:
		if item := r.queue.CancelRunning(); item != nil {
			r.logger.Debug("cancelled running queue item", zap.String("item_id", item.ID))
		}
		r.queue.Clear()
		if target == targetDisposed {
			r.state = store.SessionDisposed
		} else {
			r.state = store.SessionTerminated
		}
		r.appendStateChange("driver stopped")
		r.persistState()
		r.publishState("terminated")

	case targetDisconnected:
		// Events and queue are left untouched; the session stays resumable.
		r.queue.CancelRunning()
		r.state = store.SessionTerminated
		r.appendStateChange("disconnected")
		r.persistState()
		r.publishState("disconnected")

	case targetCreated:
		r.queue.CancelRunning()
		r.queue.Clear()
		r.tools.Reset()
		r.perms.Reset()
		if err := r.log.Reset(); err != nil {
			r.logger.Error("failed to reset event log", zap.Error(err))
		}
		r.state = store.SessionCreated
		r.processing = false
		r.lastSummary = ""
		r.persistState()
		r.publishState("reset")

	case targetRestarting:
		// History preserved; new events continue the sequence.
		r.queue.CancelRunning()
		if err := r.startDriverLocked(); err != nil {
			r.logger.Error("restart failed", zap.Error(err))
			r.state = store.SessionError
			r.appendStateChange("restart failed: " + err.Error())
			r.persistState()
			r.publishState("restart failed")
		}
	}
}

// Terminate stops the driver and transitions to terminated. Metadata is retained.
func (r *Runtime) Terminate() error {
	return r.do(func() error { return r.beginStop(targetTerminated, "terminate requested") })
}

// Dispose terminates the session and marks it disposed (a subtype of
// terminated used for minions removed from a legion).
func (r *Runtime) Dispose() error {
	return r.do(func() error { return r.beginStop(targetDisposed, "dispose requested") })
}

// Restart stops the driver and starts again with the same configuration,
// preserving events.
func (r *Runtime) Restart() error {
	return r.do(func() error { return r.beginStop(targetRestarting, "restart requested") })
}

// Reset stops the driver, truncates the event log, clears queue and
// tool-call state, and returns to created.
func (r *Runtime) Reset() error {
	return r.do(func() error { return r.beginStop(targetCreated, "reset requested") })
}

// Disconnect stops the driver without altering events; the session remains
// resumable.
func (r *Runtime) Disconnect() error {
	return r.do(func() error { return r.beginStop(targetDisconnected, "disconnect requested") })
}

// --- queue operations ---

// Enqueue appends user input to the session queue. front inserts at the head.
func (r *Runtime) Enqueue(body string, attachments []driver.Attachment, metadata map[string]string, front bool) (*QueueItem, error) {
	var item *QueueItem
	err := r.do(func() error {
		switch r.state {
		case store.SessionTerminating:
			return apperrors.InvalidState("cannot enqueue while session is terminating")
		case store.SessionTerminated, store.SessionDisposed:
			return apperrors.InvalidState(fmt.Sprintf("cannot enqueue on a %s session", r.state))
		}
		var err error
		if front {
			item, err = r.queue.EnqueueFront(body, attachments, metadata)
		} else {
			item, err = r.queue.Enqueue(body, attachments, metadata)
		}
		if err != nil {
			return err
		}
		r.publishQueueUpdate("enqueued")
		r.maybeDispatch()
		return nil
	})
	return item, err
}

// maybeDispatch advances the queue when the session is idle. Runs on the
// loop goroutine.
func (r *Runtime) maybeDispatch() {
	if r.state != store.SessionActive || r.processing || r.halted {
		return
	}
	item := r.queue.Next()
	if item == nil {
		return
	}

	r.processing = true
	r.appendEvent(eventlog.KindUserInput, UserInputPayload{
		QueueItemID: item.ID,
		Body:        item.Body,
		Metadata:    item.Metadata,
	})
	r.persistState()
	r.publishState("processing")

	d := r.drv
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
		defer cancel()
		if err := d.Send(ctx, item.Body, item.Attachments); err != nil {
			r.logger.Error("failed to send input to agent", zap.Error(err))
			r.post(func() {
				r.queue.FinishRunning(true)
				r.processing = false
				r.persistState()
				r.publishState("send failed")
				r.maybeDispatch()
			})
		}
	}()
}

// publishQueueUpdate surfaces queue mutations to observers. Queue state is
// not part of the event log.
func (r *Runtime) publishQueueUpdate(reason string) {
	ev := bus.NewEvent("queue_update", "session-runtime", map[string]any{
		"session_id": r.id,
		"reason":     reason,
		"depth":      r.queue.Len(),
		"paused":     r.queue.Paused(),
	})
	if err := r.bus.Publish(context.Background(), events.BuildSessionStateSubject(r.id), ev); err != nil {
		r.logger.Warn("failed to publish queue update", zap.Error(err))
	}
}

// ListQueue returns the running item followed by pending items.
func (r *Runtime) ListQueue() []*QueueItem {
	return r.queue.List()
}

// CancelItem removes a pending queue item.
func (r *Runtime) CancelItem(itemID string) error {
	return r.do(func() error {
		_, err := r.queue.Cancel(itemID)
		if err != nil {
			return err
		}
		r.publishQueueUpdate("item cancelled")
		return nil
	})
}

// RequeueItem moves a pending item to the queue head.
func (r *Runtime) RequeueItem(itemID string) error {
	return r.do(func() error {
		if err := r.queue.Requeue(itemID); err != nil {
			return err
		}
		r.publishQueueUpdate("item requeued")
		return nil
	})
}

// PatchItemTiming sets or clears a pending item's dispatch delay.
func (r *Runtime) PatchItemTiming(itemID string, notBefore *time.Time) error {
	return r.do(func() error {
		if err := r.queue.PatchTiming(itemID, notBefore); err != nil {
			return err
		}
		if notBefore != nil {
			// Wake the dispatch loop once the delay elapses.
			delay := time.Until(*notBefore)
			if delay > 0 {
				time.AfterFunc(delay, func() {
					r.post(func() { r.maybeDispatch() })
				})
			}
		}
		r.publishQueueUpdate("timing patched")
		r.maybeDispatch()
		return nil
	})
}

// ClearQueue cancels all pending items.
func (r *Runtime) ClearQueue() error {
	return r.do(func() error {
		r.queue.Clear()
		r.publishQueueUpdate("cleared")
		return nil
	})
}

// PauseQueue suspends or resumes dispatch. Ongoing work finishes normally.
func (r *Runtime) PauseQueue(paused bool) error {
	return r.do(func() error {
		r.queue.SetPaused(paused)
		r.publishQueueUpdate("pause toggled")
		if !paused {
			r.maybeDispatch()
		}
		return nil
	})
}

// SetHalted latches or clears the legion halt flag.
func (r *Runtime) SetHalted(halted bool) error {
	return r.do(func() error {
		r.halted = halted
		if !halted {
			r.maybeDispatch()
		}
		return nil
	})
}

// --- permission mediation ---

// RespondPermissionArgs carries a permission decision from an observer.
type RespondPermissionArgs struct {
	RequestID     string
	Decision      string // allow | deny | allow_modified_input
	ModifiedInput map[string]any
	// ApplySuggestions applies the selected structured directives before
	// the decision is forwarded.
	ApplySuggestions bool
	Selected         []driver.Suggestion
	Responder        string
}

// RespondPermission resolves a pending permission request. Double-submitting
// the same request id is a no-op after the first.
func (r *Runtime) RespondPermission(args RespondPermissionArgs) error {
	return r.do(func() error { return r.respondPermissionLocked(args) })
}

func (r *Runtime) respondPermissionLocked(args RespondPermissionArgs) error {
	req, ok := r.perms.Get(args.RequestID)
	if !ok {
		return apperrors.NotFound("permission request", args.RequestID)
	}
	if req.Decided() {
		return nil
	}

	responder := args.Responder
	if responder == "" {
		responder = ResponderUser
	}
	r.perms.Decide(args.RequestID, args.Decision, responder, args.ModifiedInput)

	// Suggestions are applied atomically before the decision is forwarded.
	if args.ApplySuggestions {
		r.applySuggestions(args.Selected)
	}
	// Accepting exit_plan_mode implies acceptEdits. Runtime rule, not an
	// agent contract.
	if req.ToolName == "exit_plan_mode" && args.Decision != DecisionDeny {
		r.applySuggestions([]driver.Suggestion{{Type: driver.SuggestionSetMode, Mode: string(store.PermissionAcceptEdits)}})
	}

	r.appendEvent(eventlog.KindPermissionResponse, PermissionResponsePayload{
		RequestID:     args.RequestID,
		ToolUseID:     req.ToolUseID,
		Decision:      args.Decision,
		Responder:     responder,
		ModifiedInput: args.ModifiedInput,
	})

	behavior := "allow"
	if args.Decision == DecisionDeny {
		behavior = "deny"
		r.tools.SetDecision(req.ToolUseID, "deny")
		r.appendEvent(eventlog.KindToolResult, ToolResultPayload{
			ToolUseID: req.ToolUseID,
			Cancelled: true,
			Synthetic: true,
		})
	} else {
		r.tools.SetDecision(req.ToolUseID, "allow")
	}

	r.pendingPrompt = r.perms.HasUndecided()
	r.publishState("permission resolved")

	d := r.drv
	if d == nil {
		return nil
	}
	decision := driver.Decision{
		Behavior:      behavior,
		ModifiedInput: args.ModifiedInput,
		Updates:       args.Selected,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
		defer cancel()
		if err := d.RespondToPermission(ctx, args.RequestID, decision); err != nil {
			r.logger.Warn("failed to forward permission decision", zap.Error(err))
		}
	}()
	return nil
}

// applySuggestions applies structured directives: mode switches update the
// store and the live driver; allowed-tool additions patch the store.
func (r *Runtime) applySuggestions(suggestions []driver.Suggestion) {
	for _, s := range suggestions {
		switch s.Type {
		case driver.SuggestionSetMode:
			mode := store.PermissionMode(s.Mode)
			if !store.ValidPermissionMode(mode) {
				r.logger.Warn("ignoring invalid suggested mode", zap.String("mode", s.Mode))
				continue
			}
			r.setModeLocked(mode)
		case driver.SuggestionAddAllowedTool, driver.SuggestionExtendSuggestionRule:
			tool := s.Tool
			if tool == "" {
				tool = s.Match
			}
			if tool == "" {
				continue
			}
			_, err := r.store.MutateSession(r.id, func(sess *store.Session) error {
				for _, existing := range sess.AllowedTools {
					if existing == tool {
						return nil
					}
				}
				sess.AllowedTools = append(sess.AllowedTools, tool)
				return nil
			})
			if err != nil {
				r.logger.Warn("failed to add allowed tool", zap.String("tool", tool), zap.Error(err))
			}
		}
	}
}

// SetPermissionMode changes the session's current permission mode. Only
// allowed while the session is active.
func (r *Runtime) SetPermissionMode(mode store.PermissionMode) error {
	return r.do(func() error {
		if !store.ValidPermissionMode(mode) {
			return apperrors.BadRequest(fmt.Sprintf("invalid permission mode %q", mode))
		}
		if r.state != store.SessionActive {
			return apperrors.InvalidState("permission mode may only change while the session is active")
		}
		r.setModeLocked(mode)
		return nil
	})
}

func (r *Runtime) setModeLocked(mode store.PermissionMode) {
	_, err := r.store.MutateSession(r.id, func(sess *store.Session) error {
		sess.CurrentPermissionMode = mode
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to persist permission mode", zap.Error(err))
	}
	if d := r.drv; d != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
			defer cancel()
			if err := d.SetMode(ctx, string(mode)); err != nil {
				r.logger.Warn("failed to set agent permission mode", zap.Error(err))
			}
		}()
	}
}

// PendingPermissions returns the undecided permission requests.
func (r *Runtime) PendingPermissions() []*PermissionRequest {
	var out []*PermissionRequest
	_ = r.do(func() error {
		out = r.perms.Undecided()
		return nil
	})
	return out
}

// ListToolCalls returns the tool-call projection in begin order.
func (r *Runtime) ListToolCalls() []*ToolCall {
	var out []*ToolCall
	_ = r.do(func() error {
		out = r.tools.List()
		return nil
	})
	return out
}

// Interrupt aborts the in-flight turn: every undecided permission request is
// resolved with a synthetic denial, active tool uses are cancelled, and the
// driver's interrupt is invoked.
func (r *Runtime) Interrupt() error {
	return r.do(func() error {
		if r.state != store.SessionActive && r.state != store.SessionStarting {
			return apperrors.InvalidState(fmt.Sprintf("cannot interrupt session in state %s", r.state))
		}
		r.resolvePermissionsSynthetically(false)
		r.cancelActiveTools()
		r.pendingPrompt = false
		r.publishState("interrupted")

		if d := r.drv; d != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
				defer cancel()
				if err := d.Interrupt(ctx); err != nil {
					r.logger.Warn("driver interrupt failed", zap.Error(err))
				}
			}()
		}
		return nil
	})
}

// resolvePermissionsSynthetically denies every undecided request. When
// driverGone is true no decision is forwarded to the child.
func (r *Runtime) resolvePermissionsSynthetically(driverGone bool) {
	undecided := r.perms.Undecided()
	d := r.drv
	for _, req := range undecided {
		r.perms.Decide(req.ID, DecisionDeny, ResponderSynthetic, nil)
		r.appendEvent(eventlog.KindPermissionResponse, PermissionResponsePayload{
			RequestID: req.ID,
			ToolUseID: req.ToolUseID,
			Decision:  DecisionDeny,
			Responder: ResponderSynthetic,
			Synthetic: true,
		})
		// The denial terminates the tool call, removing it from the active
		// set before cancelActiveTools runs, so its synthetic result must
		// be written here.
		r.tools.SetDecision(req.ToolUseID, "deny")
		r.appendEvent(eventlog.KindToolResult, ToolResultPayload{
			ToolUseID: req.ToolUseID,
			Cancelled: true,
			Synthetic: true,
		})
		if !driverGone && d != nil {
			requestID := req.ID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), driverOpTimeout)
				defer cancel()
				_ = d.RespondToPermission(ctx, requestID, driver.Decision{
					Behavior: "deny",
					Message:  "interrupted by user",
				})
			}()
		}
	}
	r.pendingPrompt = false
}

// cancelActiveTools marks the remaining active tool uses cancelled and
// writes synthetic results so replays see a complete lifecycle.
func (r *Runtime) cancelActiveTools() {
	for _, id := range r.tools.CancelActive() {
		r.appendEvent(eventlog.KindToolResult, ToolResultPayload{
			ToolUseID: id,
			Cancelled: true,
			Synthetic: true,
		})
	}
}

// --- driver events ---

func (r *Runtime) handleDriverEvent(ev driver.Event) {
	switch ev.Type {
	case driver.EventSystemInit:
		r.logger.Debug("agent session initialized",
			zap.String("agent_session_id", ev.AgentSessionID),
			zap.String("model", ev.Model))

	case driver.EventAssistantText:
		r.lastSummary = summarize(ev.Text)
		r.appendEvent(eventlog.KindAssistantText, TextPayload{Text: ev.Text})

	case driver.EventAssistantThinking:
		r.appendEvent(eventlog.KindAssistantThinking, TextPayload{Text: ev.Text})

	case driver.EventToolUse:
		r.tools.Begin(ev.ToolUseID, ev.ToolName, ev.ToolInput)
		r.appendEvent(eventlog.KindToolUse, ToolUsePayload{
			ToolUseID: ev.ToolUseID,
			Name:      ev.ToolName,
			Input:     ev.ToolInput,
		})

	case driver.EventPermissionRequest:
		req := &PermissionRequest{
			ID:          ev.RequestID,
			SessionID:   r.id,
			ToolUseID:   ev.ToolUseID,
			ToolName:    ev.ToolName,
			Input:       ev.ToolInput,
			Suggestions: ev.Suggestions,
			CreatedAt:   time.Now().UTC(),
		}
		r.perms.Add(req)
		r.tools.SetPermissionRequired(ev.ToolUseID, ev.RequestID)
		r.pendingPrompt = true
		r.appendEvent(eventlog.KindPermissionRequest, PermissionRequestPayload{
			RequestID:   ev.RequestID,
			ToolUseID:   ev.ToolUseID,
			ToolName:    ev.ToolName,
			Input:       ev.ToolInput,
			Suggestions: ev.Suggestions,
		})
		r.publishState("permission required")

	case driver.EventToolResult:
		// A result for an already-terminal call (denied or cancelled) is
		// dropped so each tool use keeps exactly one terminal result.
		if r.tools.Complete(ev.ToolUseID, ev.Content, ev.IsError) {
			r.appendEvent(eventlog.KindToolResult, ToolResultPayload{
				ToolUseID: ev.ToolUseID,
				Content:   ev.Content,
				IsError:   ev.IsError,
			})
		} else {
			r.logger.Debug("dropping result for terminal tool call", zap.String("tool_use_id", ev.ToolUseID))
		}

	case driver.EventCompaction:
		r.appendEvent(eventlog.KindCompactionMarker, nil)

	case driver.EventResult:
		r.queue.FinishRunning(ev.IsError)
		r.processing = false
		r.appendStateChange("turn complete")
		r.persistState()
		r.publishState("idle")
		r.maybeDispatch()

	case driver.EventDriverDown:
		r.handleDriverDown(ev.ExitError)
	}
}

// handleDriverDown implements the unexpected-exit path: orphaned tool uses
// are cancelled, undecided prompts denied, and the session enters error.
// There is no auto-restart; the operator recovers with start.
func (r *Runtime) handleDriverDown(exitError string) {
	r.logger.Warn("agent driver down", zap.String("exit_error", exitError))

	r.resolvePermissionsSynthetically(true)
	r.cancelActiveTools()
	r.queue.FinishRunning(true)

	r.appendEvent(eventlog.KindSystemNotice, SystemNoticePayload{
		Text: "agent process exited unexpectedly: " + exitError,
	})

	r.drv = nil
	r.state = store.SessionError
	r.processing = false
	r.pendingPrompt = false
	r.appendStateChange("driver exited unexpectedly")
	r.persistState()
	r.publishState("error")
}

// --- input cache ---

// SetInputCache stores the ephemeral draft text for this session. It is not
// part of the event log.
func (r *Runtime) SetInputCache(text string) {
	r.inputCacheMu.Lock()
	r.inputCache = text
	r.inputCacheMu.Unlock()
}

// InputCache returns the ephemeral draft text.
func (r *Runtime) InputCache() string {
	r.inputCacheMu.Lock()
	defer r.inputCacheMu.Unlock()
	return r.inputCache
}

// AppendNotice writes a system notice to the session log (knowledge reports,
// delivery markers).
func (r *Runtime) AppendNotice(text string) error {
	return r.do(func() error {
		r.appendEvent(eventlog.KindSystemNotice, SystemNoticePayload{Text: text})
		return nil
	})
}

// summarize produces the short latest-message summary kept on the session.
func summarize(text string) string {
	const max = 120
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > max {
		return text[:max] + "…"
	}
	return text
}

