// Package events provides event subjects and the bus provider for legiond's
// internal pub/sub.
package events

// Subjects carried on the internal bus. Session and legion subjects are
// suffixed with the owning entity id.
const (
	// SessionEvent is the base subject for per-session event log records.
	SessionEvent = "session.event"
	// SessionState is the base subject for session state transitions.
	SessionState = "session.state"
	// LegionComm is the base subject for legion comm records.
	LegionComm = "legion.comm"
	// LegionMinion is the base subject for minion lifecycle notifications.
	LegionMinion = "legion.minion"
	// ScheduleUpdated is the base subject for schedule mutations.
	ScheduleUpdated = "schedule.updated"
	// UIState carries global state changes (project/session lists).
	UIState = "ui.state"
)

// BuildSessionEventSubject creates the subject for one session's events.
func BuildSessionEventSubject(sessionID string) string {
	return SessionEvent + "." + sessionID
}

// BuildSessionStateSubject creates the subject for one session's transitions.
func BuildSessionStateSubject(sessionID string) string {
	return SessionState + "." + sessionID
}

// BuildLegionCommSubject creates the subject for one legion's comms.
func BuildLegionCommSubject(legionID string) string {
	return LegionComm + "." + legionID
}

// BuildLegionMinionSubject creates the subject for one legion's minion
// lifecycle notifications.
func BuildLegionMinionSubject(legionID string) string {
	return LegionMinion + "." + legionID
}

// BuildScheduleSubject creates the subject for one legion's schedule updates.
func BuildScheduleSubject(legionID string) string {
	return ScheduleUpdated + "." + legionID
}
