package observer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/config"
	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/session"
)

// Hub fans out state changes, session events, and comms to subscribers.
// Subscribers open with a stream kind, a target id, and a starting cursor;
// missed events replay from the log before live events stream.
type Hub struct {
	sessions *session.Manager
	router   *legion.Router
	bus      bus.EventBus
	cfg      config.ObserverConfig
	logger   *logger.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriberEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type subscriberEntry struct {
	sub     *Subscriber
	busSubs []bus.Subscription
}

// NewHub creates an observer hub.
func NewHub(sessions *session.Manager, router *legion.Router, b bus.EventBus, cfg config.ObserverConfig, log *logger.Logger) *Hub {
	return &Hub{
		sessions:    sessions,
		router:      router,
		bus:         b,
		cfg:         cfg,
		logger:      log.WithComponent("observer-hub"),
		subscribers: make(map[string]*subscriberEntry),
		stopCh:      make(chan struct{}),
	}
}

// Run emits heartbeats and disconnects subscribers that stop acknowledging.
func (h *Hub) Run(ctx context.Context) {
	interval := time.Duration(h.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	grace := time.Duration(h.cfg.AckGrace) * time.Second
	if grace <= 0 {
		grace = 60 * time.Second
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case now := <-ticker.C:
				h.heartbeat(now, grace)
			}
		}
	}()
}

func (h *Hub) heartbeat(now time.Time, grace time.Duration) {
	h.mu.Lock()
	entries := make([]*subscriberEntry, 0, len(h.subscribers))
	for _, e := range h.subscribers {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		sub := e.sub
		sub.mu.Lock()
		lastAck := sub.lastAck
		sub.mu.Unlock()
		if !lastAck.IsZero() && now.Sub(lastAck) > grace {
			h.drop(sub, ReasonHeartbeat)
			continue
		}
		if !sub.offer(&Notification{
			Stream:    sub.Stream,
			TargetID:  sub.TargetID,
			Kind:      "heartbeat",
			Timestamp: now.UTC(),
		}) {
			h.drop(sub, ReasonLagged)
		}
	}
}

// Subscribe attaches a subscriber to a stream and replays missed events from
// the cursor up to the live tail.
func (h *Hub) Subscribe(kind StreamKind, targetID string, cursor uint64) (*Subscriber, error) {
	depth := h.cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	sub := &Subscriber{
		ID:        uuid.New().String(),
		Stream:    kind,
		TargetID:  targetID,
		out:       make(chan *Notification, depth),
		closed:    make(chan struct{}),
		replaying: true,
		maxSeq:    cursor,
		lastAck:   time.Now(),
	}

	var log *eventlog.Log
	var subjects []string
	switch kind {
	case StreamSession:
		rt, err := h.sessions.Get(targetID)
		if err != nil {
			return nil, err
		}
		log = rt.Log()
		subjects = []string{
			events.BuildSessionEventSubject(targetID),
			events.BuildSessionStateSubject(targetID),
		}
	case StreamLegion:
		l, err := h.router.CommLog(targetID)
		if err != nil {
			return nil, err
		}
		log = l
		subjects = []string{
			events.BuildLegionCommSubject(targetID),
			events.BuildLegionMinionSubject(targetID),
			events.BuildScheduleSubject(targetID),
		}
	case StreamUI:
		subjects = []string{
			events.SessionState + ".>",
			events.UIState,
		}
	default:
		return nil, apperrors.BadRequest("unknown stream kind")
	}

	entry := &subscriberEntry{sub: sub}
	for _, subject := range subjects {
		busSub, err := h.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			h.deliverLive(sub, ev)
			return nil
		})
		if err != nil {
			for _, bs := range entry.busSubs {
				_ = bs.Unsubscribe()
			}
			return nil, apperrors.Unavailable("failed to subscribe to event bus", err)
		}
		entry.busSubs = append(entry.busSubs, busSub)
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = entry
	h.mu.Unlock()

	if log != nil {
		if err := h.replay(sub, log, cursor); err != nil {
			h.drop(sub, ReasonLagged)
			return nil, err
		}
	}
	if !sub.finishReplay() {
		h.drop(sub, ReasonLagged)
		return nil, apperrors.Unavailable("subscriber lagged during replay", nil)
	}

	h.logger.Debug("subscriber attached",
		zap.String("subscriber_id", sub.ID),
		zap.String("stream", string(kind)),
		zap.String("target_id", targetID),
		zap.Uint64("cursor", cursor))
	return sub, nil
}

// replay streams records (cursor, tail] into the subscriber queue.
func (h *Hub) replay(sub *Subscriber, log *eventlog.Log, cursor uint64) error {
	const batch = 128
	for {
		records, err := log.ReadFrom(cursor, batch)
		if err != nil {
			return apperrors.Unavailable("event log replay failed", err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			if !sub.replayOffer(&Notification{
				Stream:    sub.Stream,
				TargetID:  sub.TargetID,
				Kind:      string(rec.Kind),
				Seq:       rec.Seq,
				Payload:   rec,
				Timestamp: rec.Timestamp,
			}) {
				return apperrors.Unavailable("subscriber lagged during replay", nil)
			}
			cursor = rec.Seq
		}
	}
}

// deliverLive translates a bus event into a subscriber notification.
func (h *Hub) deliverLive(sub *Subscriber, ev *bus.Event) {
	n := &Notification{
		Stream:    sub.Stream,
		TargetID:  sub.TargetID,
		Kind:      ev.Type,
		Payload:   ev.Data,
		Timestamp: ev.Timestamp,
	}
	// Replayable records carry their log sequence for cursor handover.
	if rec, ok := ev.Data["record"].(*eventlog.Record); ok {
		n.Seq = rec.Seq
		n.Payload = rec
	} else if comm, ok := ev.Data["comm"].(*legion.Comm); ok {
		n.Seq = comm.Seq
	}
	if !sub.offer(n) {
		h.drop(sub, ReasonLagged)
	}
}

// Unsubscribe detaches a subscriber.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	entry, ok := h.subscribers[subscriberID]
	h.mu.Unlock()
	if ok {
		h.drop(entry.sub, ReasonUnsubscribe)
	}
}

func (h *Hub) drop(sub *Subscriber, reason string) {
	h.mu.Lock()
	entry, ok := h.subscribers[sub.ID]
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()

	if !ok {
		sub.drop(reason)
		return
	}
	for _, bs := range entry.busSubs {
		_ = bs.Unsubscribe()
	}
	sub.drop(reason)
	if reason == ReasonLagged || reason == ReasonHeartbeat {
		h.logger.Warn("subscriber dropped",
			zap.String("subscriber_id", sub.ID),
			zap.String("reason", reason))
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Shutdown drops every subscriber and stops the heartbeat loop.
func (h *Hub) Shutdown() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.mu.Lock()
	entries := make([]*subscriberEntry, 0, len(h.subscribers))
	for _, e := range h.subscribers {
		entries = append(entries, e)
	}
	h.mu.Unlock()
	for _, e := range entries {
		h.drop(e.sub, ReasonShutdown)
	}
	h.wg.Wait()
}
