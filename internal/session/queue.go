// Package session implements the per-session runtime: a state machine, an
// input queue, a tool-call tracker, and a permission mediator, all owned by
// one mailbox goroutine per session.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/driver"
)

// ItemStatus is the lifecycle status of a queue item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemDone      ItemStatus = "done"
	ItemCancelled ItemStatus = "cancelled"
)

// Input origins recorded on queue items.
const (
	OriginUser     = "user"
	OriginComm     = "comm"
	OriginSchedule = "schedule"
)

// QueueItem is an entry on a session's pending-input queue.
type QueueItem struct {
	ID          string              `json:"id"`
	Body        string              `json:"body"`
	Attachments []driver.Attachment `json:"attachments,omitempty"`
	// Metadata carries origin markers (user, comm, schedule) and arbitrary
	// caller tags.
	Metadata  map[string]string `json:"metadata,omitempty"`
	ArrivedAt time.Time         `json:"arrived_at"`
	// NotBefore delays dispatch of a pending item; the queue is strictly
	// FIFO, so a delayed head holds the items behind it.
	NotBefore *time.Time `json:"not_before,omitempty"`
	Status    ItemStatus `json:"status"`
	// Failed marks a done item whose turn ended in failure.
	Failed bool `json:"failed,omitempty"`

	// doneCh is closed when the item reaches a terminal status. Status and
	// Failed are stable once it is closed.
	doneCh chan struct{}
}

// Done returns a channel closed when the item reaches done or cancelled.
func (i *QueueItem) Done() <-chan struct{} {
	return i.doneCh
}

func (i *QueueItem) markTerminal() {
	select {
	case <-i.doneCh:
	default:
		close(i.doneCh)
	}
}

// inputQueue is a FIFO queue with manual requeue-at-front. At most one item
// is running at any time; items leave only by completing or by explicit
// cancellation.
type inputQueue struct {
	mu      sync.RWMutex
	items   []*QueueItem
	running *QueueItem
	paused  bool
	maxSize int
}

func newInputQueue(maxSize int) *inputQueue {
	return &inputQueue{maxSize: maxSize}
}

// Enqueue appends an item. The queue is bounded; overflow is rejected and
// items are never evicted implicitly.
func (q *inputQueue) Enqueue(body string, attachments []driver.Attachment, metadata map[string]string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return nil, apperrors.BadRequest("input queue is full")
	}
	item := &QueueItem{
		ID:          uuid.New().String(),
		Body:        body,
		Attachments: attachments,
		Metadata:    metadata,
		ArrivedAt:   time.Now().UTC(),
		Status:      ItemPending,
		doneCh:      make(chan struct{}),
	}
	q.items = append(q.items, item)
	return item, nil
}

// EnqueueFront inserts an item at the head of the queue (pivot comms).
func (q *inputQueue) EnqueueFront(body string, attachments []driver.Attachment, metadata map[string]string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return nil, apperrors.BadRequest("input queue is full")
	}
	item := &QueueItem{
		ID:          uuid.New().String(),
		Body:        body,
		Attachments: attachments,
		Metadata:    metadata,
		ArrivedAt:   time.Now().UTC(),
		Status:      ItemPending,
		doneCh:      make(chan struct{}),
	}
	q.items = append([]*QueueItem{item}, q.items...)
	return item, nil
}

// Next pops the head item and marks it running. Returns nil when the queue
// is empty, paused, or an item is already running.
func (q *inputQueue) Next() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.running != nil || len(q.items) == 0 {
		return nil
	}
	if nb := q.items[0].NotBefore; nb != nil && nb.After(time.Now()) {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	item.Status = ItemRunning
	q.running = item
	return item
}

// FinishRunning marks the running item done. failed records a failure
// outcome on the item.
func (q *inputQueue) FinishRunning(failed bool) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.running
	if item == nil {
		return nil
	}
	item.Status = ItemDone
	item.Failed = failed
	q.running = nil
	item.markTerminal()
	return item
}

// Running returns the currently running item, if any.
func (q *inputQueue) Running() *QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.running
}

// Cancel removes a pending item by id.
func (q *inputQueue) Cancel(itemID string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == itemID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			item.Status = ItemCancelled
			item.markTerminal()
			return item, nil
		}
	}
	return nil, apperrors.NotFound("queue item", itemID)
}

// PatchTiming sets or clears the dispatch delay of a pending item.
func (q *inputQueue) PatchTiming(itemID string, notBefore *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == itemID {
			item.NotBefore = notBefore
			return nil
		}
	}
	return apperrors.NotFound("queue item", itemID)
}

// Requeue moves a pending item to the front of the queue.
func (q *inputQueue) Requeue(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == itemID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append([]*QueueItem{item}, q.items...)
			return nil
		}
	}
	return apperrors.NotFound("queue item", itemID)
}

// Clear cancels every pending item. The running item is untouched.
func (q *inputQueue) Clear() []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := q.items
	for _, item := range cleared {
		item.Status = ItemCancelled
		item.markTerminal()
	}
	q.items = nil
	return cleared
}

// CancelRunning cancels the running item, if any.
func (q *inputQueue) CancelRunning() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.running
	if item == nil {
		return nil
	}
	item.Status = ItemCancelled
	q.running = nil
	item.markTerminal()
	return item
}

// SetPaused pauses or resumes dispatch. Ongoing work finishes normally.
func (q *inputQueue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

// Paused reports whether dispatch is suspended.
func (q *inputQueue) Paused() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.paused
}

// List returns the running item (first, when present) followed by pending
// items in dispatch order.
func (q *inputQueue) List() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*QueueItem, 0, len(q.items)+1)
	if q.running != nil {
		out = append(out, q.running)
	}
	out = append(out, q.items...)
	return out
}

// Len returns the number of pending items.
func (q *inputQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
