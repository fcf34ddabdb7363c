package legion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/eventlog"
	"github.com/legionhq/legiond/internal/events"
	"github.com/legionhq/legiond/internal/events/bus"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
)

// Router delivers comms between minions within a legion. Each outbound comm
// is validated, stamped with a legion-wide sequence, appended to the legion
// comm log, and dispatched with at-most-once delivery per recipient.
type Router struct {
	store    *store.Store
	sessions *session.Manager
	coord    *Coordinator
	bus      bus.EventBus
	logger   *logger.Logger

	mu   sync.Mutex
	logs map[string]*eventlog.Log
}

// NewRouter creates a comm router.
func NewRouter(st *store.Store, sessions *session.Manager, coord *Coordinator, b bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		store:    st,
		sessions: sessions,
		coord:    coord,
		bus:      b,
		logger:   log.WithComponent("comm-router"),
		logs:     make(map[string]*eventlog.Log),
	}
}

// CommLog returns the legion's comm log, opening it on first use.
func (r *Router) CommLog(legionID string) (*eventlog.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[legionID]; ok {
		return l, nil
	}
	l, err := eventlog.Open(r.store.LegionCommLogPath(legionID))
	if err != nil {
		return nil, apperrors.Unavailable("failed to open legion comm log", err)
	}
	r.logs[legionID] = l
	return l, nil
}

// SendArgs describes one outbound comm.
type SendArgs struct {
	From     string
	To       string
	Kind     CommKind
	Summary  string
	Body     string
	Priority CommPriority
}

// Send validates, logs, and dispatches a comm. The call returns only after
// every reachable recipient has the comm queued for delivery.
func (r *Router) Send(ctx context.Context, legionID string, args SendArgs) (*Comm, error) {
	if _, err := r.coord.legionProject(legionID); err != nil {
		return nil, err
	}
	if args.Priority == "" {
		args.Priority = PriorityNone
	}
	if !ValidCommKind(args.Kind) {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid comm kind %q", args.Kind))
	}
	if !ValidCommPriority(args.Priority) {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid comm priority %q", args.Priority))
	}
	if args.Summary == "" {
		return nil, apperrors.BadRequest("comm summary is required")
	}

	// The sender must exist in the legion unless the comm originates from
	// the orchestrator (external user).
	if args.From != OrchestratorRecipient {
		if _, ok := r.coord.Resolve(legionID, args.From); !ok {
			return nil, apperrors.NotFound("minion", args.From)
		}
	}
	if args.To != BroadcastRecipient && args.To != OrchestratorRecipient {
		if _, ok := r.coord.Resolve(legionID, args.To); !ok {
			return nil, apperrors.NotFound("minion", args.To)
		}
	}

	log, err := r.CommLog(legionID)
	if err != nil {
		return nil, err
	}

	// The router lock serialises stamping so comm sequence numbers are
	// strictly increasing per legion.
	r.mu.Lock()
	comm := &Comm{
		ID:        uuid.New().String(),
		LegionID:  legionID,
		Seq:       log.LastSeq() + 1,
		From:      args.From,
		To:        args.To,
		Kind:      args.Kind,
		Summary:   args.Summary,
		Body:      args.Body,
		Priority:  args.Priority,
		CreatedAt: time.Now().UTC(),
		Delivery:  make(map[string]string),
	}
	_, err = log.Append(eventlog.KindComm, comm)
	if err == nil {
		err = log.Sync()
	}
	r.mu.Unlock()
	if err != nil {
		return nil, apperrors.Unavailable("failed to append comm", err)
	}

	r.dispatch(ctx, legionID, comm)
	r.publish(legionID, comm)
	return comm, nil
}

func (r *Router) dispatch(ctx context.Context, legionID string, comm *Comm) {
	switch comm.To {
	case OrchestratorRecipient:
		// Surfaced to observers only.
		comm.Delivery[OrchestratorRecipient] = DeliverySurfaced

	case BroadcastRecipient:
		minions, err := r.coord.ListMinions(legionID)
		if err != nil {
			r.logger.Warn("broadcast listing failed", zap.Error(err))
			return
		}
		for _, m := range minions {
			if m.Name == comm.From {
				continue
			}
			comm.Delivery[m.Name] = r.deliverTo(ctx, legionID, comm, m.Name)
		}

	default:
		comm.Delivery[comm.To] = r.deliverTo(ctx, legionID, comm, comm.To)
	}
}

// deliverTo queues the comm as a synthetic user input on the recipient.
// Priority halt interrupts the recipient first; halt and pivot insert at the
// queue head.
func (r *Router) deliverTo(ctx context.Context, legionID string, comm *Comm, name string) string {
	sessionID, ok := r.coord.Resolve(legionID, name)
	if !ok {
		return DeliveryNotDelivered
	}
	rt, err := r.sessions.Get(sessionID)
	if err != nil {
		return DeliveryNotDelivered
	}

	if comm.Priority == PriorityHalt {
		if err := rt.Interrupt(); err != nil && !apperrors.IsInvalidState(err) {
			r.logger.Warn("halt interrupt failed",
				zap.String("recipient", name), zap.Error(err))
		}
	}

	front := comm.Priority == PriorityHalt || comm.Priority == PriorityPivot
	metadata := map[string]string{
		"origin":   session.OriginComm,
		"comm_id":  comm.ID,
		"from":     comm.From,
		"kind":     string(comm.Kind),
		"priority": string(comm.Priority),
	}
	if _, err := rt.Enqueue(formatCommBody(comm), nil, metadata, front); err != nil {
		r.logger.Warn("comm not delivered",
			zap.String("recipient", name),
			zap.String("comm_id", comm.ID),
			zap.Error(err))
		return DeliveryNotDelivered
	}
	return DeliveryQueued
}

// formatCommBody renders the structured header the recipient sees.
func formatCommBody(comm *Comm) string {
	return fmt.Sprintf("Comm from %s [%s/%s]\nSummary: %s\n\n%s",
		comm.From, comm.Kind, comm.Priority, comm.Summary, comm.Body)
}

func (r *Router) publish(legionID string, comm *Comm) {
	ev := bus.NewEvent("comm", "comm-router", map[string]any{
		"legion_id": legionID,
		"comm":      comm,
	})
	if err := r.bus.Publish(context.Background(), events.BuildLegionCommSubject(legionID), ev); err != nil {
		r.logger.Warn("failed to publish comm", zap.Error(err))
	}
}

// Close closes all open comm logs.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range r.logs {
		if err := l.Close(); err != nil {
			r.logger.Warn("failed to close comm log", zap.String("legion_id", id), zap.Error(err))
		}
	}
	r.logs = make(map[string]*eventlog.Log)
}
