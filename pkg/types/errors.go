package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJob is returned when a queried job ID was never recorded.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateReply is returned when a (job, minion) pair replies twice.
	// The duplicate is dropped; the first reply stands.
	ErrDuplicateReply = errors.New("duplicate reply")
	// ErrTargetUnreachable marks a per-minion delivery failure inside a job.
	// It is a partial-failure entry, never fatal to the job.
	ErrTargetUnreachable = errors.New("target unreachable")
	// ErrEventOverflow is recorded when a subscriber queue sheds events. The
	// subscriber sees a bus/dropped marker instead of the shed events.
	ErrEventOverflow = errors.New("event queue overflow")
	// ErrConnClosed is returned for operations on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a peer's outbound queue stays full
	// past the send timeout.
	ErrSendQueueFull = errors.New("send queue full")
)

// TransportError reports a network-level delivery failure. Callers may retry;
// the dispatcher records it as a per-minion failure without aborting the job.
type TransportError struct {
	Op       string // send, connect, listen, subscribe
	MinionID string
	Addr     string
	Err      error
}

func (e *TransportError) Error() string {
	if e.MinionID != "" {
		return fmt.Sprintf("transport %s to %s: %v", e.Op, e.MinionID, e.Err)
	}
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps a network failure with its operation context.
func NewTransportError(op, minionID string, err error) *TransportError {
	return &TransportError{Op: op, MinionID: minionID, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
