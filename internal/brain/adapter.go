// Package brain produces assistant text for a turn, either locally or from
// an upstream HTTP endpoint, as a series of text increments.
package brain

import (
	"context"
	"fmt"
	"strings"
)

// MessageRequest is the normalized request handed to an Adapter.
type MessageRequest struct {
	UserID        string   `json:"user_id"`
	SessionID     string   `json:"session_id"`
	TurnID        string   `json:"turn_id"`
	InputText     string   `json:"input_text"`
	MemoryContext []string `json:"memory_context,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the adapter.
type DeltaHandler func(delta string) error

// Adapter streams the assistant reply for one turn.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
	// Strict rejects upstream stream lines that are not JSON.
	Strict bool
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL, cfg.Strict), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("brain HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.Strict), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}
