package message

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PartType discriminates the parts of a Message.
type PartType string

const (
	PartText       PartType = "text"
	PartCode       PartType = "code"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartAttachment PartType = "attachment"
)

// ErrFrozen is returned when appending to a finalized message.
var ErrFrozen = errors.New("message is finalized")

// Part is one typed fragment of a Message. Only text parts carry meaning for
// ExtractText; the other fields are opaque to it.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`

	AttachmentURL string `json:"attachment_url,omitempty"`
	MediaType     string `json:"media_type,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractText joins the text parts of m in stored order with sep, skipping
// every other part type.
func ExtractText(m Message, sep string) string {
	var b strings.Builder
	first := true
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(p.Text)
		first = false
	}
	return b.String()
}

// Builder accumulates the parts of a message while it is being produced.
type Builder struct {
	mu     sync.Mutex
	msg    Message
	frozen bool
	// streaming is the index of the text part SetText rewrites, or -1.
	streaming int
}

func NewBuilder(role string) *Builder {
	return &Builder{
		msg: Message{
			ID:        uuid.NewString(),
			Role:      role,
			CreatedAt: time.Now().UTC(),
		},
		streaming: -1,
	}
}

// AppendPart adds p after every existing part.
func (b *Builder) AppendPart(p Part) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrFrozen
	}
	b.msg.Parts = append(b.msg.Parts, p)
	b.streaming = -1
	return nil
}

func (b *Builder) AppendText(text string) error {
	return b.AppendPart(Part{Type: PartText, Text: text})
}

// SetText replaces the trailing streaming text part with cumulative text,
// starting a new one if the last append was not SetText.
func (b *Builder) SetText(cumulative string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrFrozen
	}
	if b.streaming < 0 {
		b.msg.Parts = append(b.msg.Parts, Part{Type: PartText})
		b.streaming = len(b.msg.Parts) - 1
	}
	b.msg.Parts[b.streaming].Text = cumulative
	return nil
}

// Snapshot returns a copy of the message as produced so far.
func (b *Builder) Snapshot() Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLocked()
}

// Finalize freezes the message and returns it.
func (b *Builder) Finalize() Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	b.msg.Final = true
	return b.copyLocked()
}

func (b *Builder) copyLocked() Message {
	m := b.msg
	m.Parts = append([]Part(nil), b.msg.Parts...)
	return m
}
