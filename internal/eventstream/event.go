package eventstream

import (
	"time"

	"github.com/ent0n29/threadline/internal/message"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnFinished is emitted once a streamed turn reaches a terminal state.
	EventTypeTurnFinished = "threadline.turn.finished"
)

// TurnFinishedEvent is a transport-neutral record of one finished turn.
type TurnFinishedEvent struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	EmittedAt     time.Time       `json:"emitted_at"`
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id,omitempty"`
	TurnID        string          `json:"turn_id"`
	Mode          string          `json:"mode"`
	State         string          `json:"state"`
	Steps         int             `json:"steps"`
	Detail        string          `json:"detail,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
	Message       message.Message `json:"message"`
}
