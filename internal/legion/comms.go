// Package legion implements the comm router and the legion coordinator:
// minion naming, hierarchy, spawn/dispose, halt/resume, and delivery of
// typed inter-minion messages with legion-wide ordering.
package legion

import "time"

// CommKind categorises a comm. The set is closed.
type CommKind string

const (
	CommTask     CommKind = "task"
	CommQuestion CommKind = "question"
	CommReport   CommKind = "report"
	CommInfo     CommKind = "info"
)

// ValidCommKind reports whether k is in the closed kind set.
func ValidCommKind(k CommKind) bool {
	switch k {
	case CommTask, CommQuestion, CommReport, CommInfo:
		return true
	}
	return false
}

// CommPriority controls delivery urgency. The set is closed.
type CommPriority string

const (
	// PriorityNone delivers through normal FIFO queueing.
	PriorityNone CommPriority = "none"
	// PriorityPivot inserts the comm at the head of the recipient's queue.
	PriorityPivot CommPriority = "pivot"
	// PriorityHalt interrupts the recipient before enqueueing at the head.
	PriorityHalt CommPriority = "halt"
)

// ValidCommPriority reports whether p is in the closed priority set.
func ValidCommPriority(p CommPriority) bool {
	switch p {
	case PriorityNone, PriorityPivot, PriorityHalt:
		return true
	}
	return false
}

// Recipient names with special routing.
const (
	// BroadcastRecipient fans a comm out to every live minion in the legion.
	BroadcastRecipient = "*"
	// OrchestratorRecipient surfaces the comm to observers only; the
	// external user is not a session.
	OrchestratorRecipient = "orchestrator"
)

// Delivery outcomes per recipient.
const (
	DeliveryQueued       = "queued"
	DeliveryNotDelivered = "not-delivered"
	DeliverySurfaced     = "surfaced"
)

// Comm is a structured message between minions, totally ordered per legion
// by Seq. A comm is acknowledged only after the recipient session has queued
// it for delivery.
type Comm struct {
	ID       string `json:"id"`
	LegionID string `json:"legion_id"`
	Seq      uint64 `json:"seq"`

	From string `json:"from"`
	// To is a minion name, BroadcastRecipient, or OrchestratorRecipient.
	To string `json:"to"`

	Kind     CommKind     `json:"kind"`
	Summary  string       `json:"summary"`
	Body     string       `json:"body"`
	Priority CommPriority `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	// Delivery maps recipient minion name to its delivery outcome.
	Delivery map[string]string `json:"delivery,omitempty"`
}
