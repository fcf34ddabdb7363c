package driver

import (
	"context"

	"github.com/legionhq/legiond/internal/common/config"
	"github.com/legionhq/legiond/internal/common/logger"
)

// Driver owns one external agent process and translates typed requests and
// responses. Every session's driver is built by the one Factory the session
// manager is given; ClaudeDriver is the only implementation.
//
// Start spawns the child and completes initialization. Send and
// RespondToPermission may suspend until the driver is ready; outbound sends
// are dispatched in FIFO order. Stop terminates the child with a graceful
// signal followed by a hard kill after a bounded grace period.
type Driver interface {
	Start(ctx context.Context, params StartParams) error
	Send(ctx context.Context, input string, attachments []Attachment) error
	RespondToPermission(ctx context.Context, requestID string, decision Decision) error
	SetMode(ctx context.Context, mode string) error
	Interrupt(ctx context.Context) error
	Stop(ctx context.Context) error

	// Events returns the stream of typed events. The channel is closed
	// after the child exits and the final event has been delivered.
	Events() <-chan Event
}

// Factory builds a driver for a session. The debugLogPath receives the
// child's stderr.
type Factory func(sessionID, debugLogPath string, log *logger.Logger) Driver

// NewClaudeFactory returns a Factory producing stream-json drivers for the
// configured agent binary.
func NewClaudeFactory(cfg config.AgentConfig) Factory {
	return func(sessionID, debugLogPath string, log *logger.Logger) Driver {
		return NewClaudeDriver(cfg, sessionID, debugLogPath, log)
	}
}
