package stream

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Update is one delivery to a Subscriber. Text is always the cumulative
// text, so any single Update is enough to resynchronize a surface.
type Update struct {
	StreamID string
	Seq      uint64
	Text     string
	Done     bool
	State    TerminalState
	Err      error
}

// Subscriber observes a stream. It must not Publish or End the stream it is
// being called for.
type Subscriber func(Update)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger used for subscriber panics.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDeliveryHook is called after each Publish or End with the number of
// subscribers that were delivered to and how long the fan-out took.
func WithDeliveryHook(fn func(delivered int, elapsed time.Duration)) HubOption {
	return func(h *Hub) { h.onDeliver = fn }
}

// Hub fans cumulative text out to every subscriber of a stream. One Hub
// serves one session; delivery for a stream is serialized while distinct
// streams proceed independently.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]*hubStream
	watchers []*watcher
	closed   bool

	logger    *slog.Logger
	onDeliver func(int, time.Duration)
}

type hubStream struct {
	// deliverMu serializes Publish and End; mu guards the fields below and
	// is never held while calling subscribers.
	deliverMu sync.Mutex

	mu        sync.Mutex
	subs      []*subscription
	seq       uint64
	latest    string
	hasLatest bool
	ended     bool
}

type subscription struct {
	fn      Subscriber
	removed atomic.Bool

	mu      sync.Mutex
	lastSeq uint64
}

type watcher struct {
	fn      func(streamID string)
	removed atomic.Bool
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		streams: make(map[string]*hubStream),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open registers streamID so it can be published to and subscribed to.
func (h *Hub) Open(streamID string) error {
	if streamID == "" {
		return &SubscriptionMisuse{Op: "open", StreamID: streamID, Reason: "empty stream id"}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, ok := h.streams[streamID]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamExists, streamID)
	}
	h.streams[streamID] = &hubStream{}
	watchers := h.watchers
	h.mu.Unlock()

	for _, w := range watchers {
		if !w.removed.Load() {
			w.fn(streamID)
		}
	}
	return nil
}

// Watch calls fn with the id of every stream opened after Watch returns.
func (h *Hub) Watch(fn func(streamID string)) (unwatch func()) {
	w := &watcher{fn: fn}
	h.mu.Lock()
	h.watchers = append(append([]*watcher(nil), h.watchers...), w)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.removed.Store(true)
			h.mu.Lock()
			defer h.mu.Unlock()
			next := make([]*watcher, 0, len(h.watchers))
			for _, cur := range h.watchers {
				if cur != w {
					next = append(next, cur)
				}
			}
			h.watchers = next
		})
	}
}

// Subscribe attaches fn to streamID. If the stream already carries text, fn
// receives the latest value before Subscribe returns; if fn panics on it,
// fn is detached and a *SubscriberFault is returned. The returned func
// detaches fn and may be called from inside fn.
func (h *Hub) Subscribe(streamID string, fn Subscriber) (unsubscribe func(), err error) {
	if fn == nil {
		return nil, &SubscriptionMisuse{Op: "subscribe", StreamID: streamID, Reason: "nil subscriber"}
	}
	s, err := h.lookup("subscribe", streamID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{fn: fn}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, h.endedError("subscribe", streamID)
	}
	s.subs = append(append([]*subscription(nil), s.subs...), sub)
	seq, latest, hasLatest := s.seq, s.latest, s.hasLatest
	s.mu.Unlock()

	if hasLatest {
		if _, fault := h.deliver(s, sub, Update{StreamID: streamID, Seq: seq, Text: latest}); fault != nil {
			return nil, fault
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.removed.Store(true)
			s.remove(sub)
		})
	}, nil
}

// Publish records cumulative as the latest text of streamID and delivers it
// to the current subscribers in registration order. If a subscriber panics
// the pass still completes and the first *SubscriberFault is returned.
func (h *Hub) Publish(streamID, cumulative string) error {
	s, err := h.lookup("publish", streamID)
	if err != nil {
		return err
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return h.endedError("publish", streamID)
	}
	s.seq++
	s.latest = cumulative
	s.hasLatest = true
	u := Update{StreamID: streamID, Seq: s.seq, Text: cumulative}
	subs := s.subs
	s.mu.Unlock()

	if fault := h.fanOut(s, subs, u); fault != nil {
		return fault
	}
	return nil
}

// End delivers the terminal state to every subscriber and releases the
// stream. err is carried to subscribers for emitter faults.
func (h *Hub) End(streamID string, state TerminalState, err error) error {
	s, lerr := h.lookup("end", streamID)
	if lerr != nil {
		return lerr
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return h.endedError("end", streamID)
	}
	s.ended = true
	s.seq++
	u := Update{StreamID: streamID, Seq: s.seq, Text: s.latest, Done: true, State: state, Err: err}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	fault := h.fanOut(s, subs, u)

	h.mu.Lock()
	if h.streams[streamID] == s {
		delete(h.streams, streamID)
	}
	h.mu.Unlock()
	if fault != nil {
		return fault
	}
	return nil
}

// Latest returns the buffered cumulative text of an open stream.
func (h *Hub) Latest(streamID string) (string, bool) {
	h.mu.RLock()
	s, ok := h.streams[streamID]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// SubscriberCount reports how many subscribers streamID currently has.
func (h *Hub) SubscriberCount(streamID string) int {
	h.mu.RLock()
	s, ok := h.streams[streamID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Streams lists open stream ids in sorted order.
func (h *Hub) Streams() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.streams))
	for id := range h.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close ends every open stream as cancelled and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.watchers = nil
	ids := make([]string, 0, len(h.streams))
	for id := range h.streams {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		_ = h.End(id, StateCancelled, ErrHubClosed)
	}
}

func (h *Hub) lookup(op, streamID string) (*hubStream, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[streamID]
	if ok {
		return s, nil
	}
	if h.closed {
		return nil, ErrHubClosed
	}
	return nil, &SubscriptionMisuse{Op: op, StreamID: streamID, Reason: "unknown stream"}
}

// endedError reports why streamID can no longer be used. A stream that
// Close ended is reported as ErrHubClosed even while its terminal fan-out
// is still running.
func (h *Hub) endedError(op, streamID string) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}
	return &SubscriptionMisuse{Op: op, StreamID: streamID, Reason: "stream already ended"}
}

func (h *Hub) fanOut(s *hubStream, subs []*subscription, u Update) *SubscriberFault {
	start := time.Now()
	delivered := 0
	var first *SubscriberFault
	for _, sub := range subs {
		ok, fault := h.deliver(s, sub, u)
		if ok {
			delivered++
		}
		if fault != nil && first == nil {
			first = fault
		}
	}
	if h.onDeliver != nil {
		h.onDeliver(delivered, time.Since(start))
	}
	return first
}

// deliver calls sub at most once per sequence number and never with an
// older sequence than it has already seen. A panicking subscriber is
// detached so the remaining surfaces keep receiving.
func (h *Hub) deliver(s *hubStream, sub *subscription, u Update) (ok bool, fault *SubscriberFault) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.removed.Load() || u.Seq <= sub.lastSeq {
		return false, nil
	}
	sub.lastSeq = u.Seq
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("stream subscriber panic", "stream_id", u.StreamID, "seq", u.Seq, "panic", r)
			sub.removed.Store(true)
			s.remove(sub)
			ok, fault = false, &SubscriberFault{StreamID: u.StreamID, Seq: u.Seq, Value: r}
		}
	}()
	sub.fn(u)
	return true, nil
}

func (s *hubStream) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*subscription, 0, len(s.subs))
	for _, cur := range s.subs {
		if cur != sub {
			next = append(next, cur)
		}
	}
	s.subs = next
}
