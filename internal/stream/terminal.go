package stream

import (
	"errors"
	"fmt"
)

// TerminalState is the final disposition of one stream.
type TerminalState string

const (
	StateCompleted    TerminalState = "completed"
	StateCancelled    TerminalState = "cancelled"
	StateEmitterFault TerminalState = "emitter_fault"
)

var (
	ErrSubscriptionMisuse = errors.New("stream subscription misuse")
	ErrStreamExists       = errors.New("stream already open")
	ErrHubClosed          = errors.New("stream hub closed")
	ErrNoHubScope         = errors.New("no stream hub in scope")
)

// EmitterFault reports a step callback that failed and terminated its stream.
type EmitterFault struct {
	StreamID string
	Step     int
	Cause    error
}

func (e *EmitterFault) Error() string {
	if e.StreamID != "" {
		return fmt.Sprintf("emitter fault on stream %s at step %d: %v", e.StreamID, e.Step, e.Cause)
	}
	return fmt.Sprintf("emitter fault at step %d: %v", e.Step, e.Cause)
}

func (e *EmitterFault) Unwrap() error { return e.Cause }

// SubscriberFault reports a subscriber that panicked while receiving an
// update. It has been detached; every other subscriber still got the update.
type SubscriberFault struct {
	StreamID string
	Seq      uint64
	Value    any
}

func (e *SubscriberFault) Error() string {
	return fmt.Sprintf("subscriber panic on stream %s at seq %d: %v", e.StreamID, e.Seq, e.Value)
}

// SubscriptionMisuse marks a caller wiring bug, such as publishing to a
// stream that was never opened.
type SubscriptionMisuse struct {
	Op       string
	StreamID string
	Reason   string
}

func (e *SubscriptionMisuse) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.StreamID, e.Reason)
}

func (e *SubscriptionMisuse) Is(target error) bool {
	return target == ErrSubscriptionMisuse
}
