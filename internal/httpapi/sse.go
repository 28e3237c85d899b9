package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ent0n29/threadline/internal/stream"
)

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// updateBox buffers hub updates for a slow reader without blocking the
// publisher. Queued text updates collapse into the newest one since each
// carries the full cumulative text.
type updateBox struct {
	mu      sync.Mutex
	pending []stream.Update
	notify  chan struct{}
}

func newUpdateBox() *updateBox {
	return &updateBox{notify: make(chan struct{}, 1)}
}

func (b *updateBox) put(u stream.Update) {
	b.mu.Lock()
	if n := len(b.pending); n > 0 && !b.pending[n-1].Done && !u.Done {
		b.pending[n-1] = u
	} else {
		b.pending = append(b.pending, u)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *updateBox) ready() <-chan struct{} { return b.notify }

func (b *updateBox) drain() []stream.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}
