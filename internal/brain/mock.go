package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/threadline/internal/stream"
)

// MockAdapter provides deterministic local replies, delivered one word at a
// time so downstream pacing behaves as it would upstream.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	text := buildMockReply(req)
	sent := ""
	for cumulative := range stream.Steps(text, stream.Options{Granularity: stream.GranularityWord}) {
		if err := ctx.Err(); err != nil {
			return MessageResponse{Text: sent}, err
		}
		if onDelta != nil {
			if err := onDelta(cumulative[len(sent):]); err != nil {
				return MessageResponse{Text: sent}, err
			}
		}
		sent = cumulative
	}
	return MessageResponse{Text: sent}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "Nothing to say yet."
	}

	if len(req.MemoryContext) == 0 {
		return fmt.Sprintf("You said: %s", base)
	}

	last := strings.TrimSpace(req.MemoryContext[len(req.MemoryContext)-1])
	if last == "" {
		return fmt.Sprintf("You said: %s", base)
	}

	return fmt.Sprintf("You said: %s\nEarlier: %s", base, last)
}
