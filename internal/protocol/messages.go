package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientPrompt       MessageType = "client_prompt"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantText      MessageType = "assistant_text"
	TypeAssistantTurnStart MessageType = "assistant_turn_start"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions accepted on client_control.
const (
	ActionCancel      = "cancel"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientPrompt struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Text        string      `json:"text"`
	Granularity string      `json:"granularity,omitempty"`
	StepDelayMS int         `json:"step_delay_ms,omitempty"`
	Mode        string      `json:"mode,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TurnID    string      `json:"turn_id,omitempty"`
}

// AssistantText carries the cumulative text of a turn, not a delta.
type AssistantText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	Seq       uint64      `json:"seq"`
}

type AssistantTurnStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
	Text      string      `json:"text"`
	Detail    string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPrompt:
		var msg ClientPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_prompt")
		}
		if msg.StepDelayMS < 0 {
			return nil, errors.New("invalid client_prompt: negative step_delay_ms")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionCancel, ActionSubscribe, ActionUnsubscribe:
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		if msg.TurnID == "" {
			return nil, fmt.Errorf("invalid client_control: %s requires turn_id", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
