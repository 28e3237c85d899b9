package httpapi

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/threadline/internal/protocol"
	"github.com/ent0n29/threadline/internal/stream"
)

const (
	outboundQueueSize       = 256
	criticalOutboundTimeout = 600 * time.Millisecond
	wsWriteTimeout          = 10 * time.Second
	wsReadTimeout           = 120 * time.Second
)

// surface is one websocket attached to a session. It follows every turn
// streamed on the session hub and owns the subscriptions it creates.
type surface struct {
	srv       *Server
	sessionID string
	hub       *stream.Hub
	ctx       context.Context
	outbound  chan any

	mu   sync.Mutex
	subs map[string]func()
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(querySessionID(r))
	hub := stream.MustHub(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sf := &surface{
		srv:       s,
		sessionID: sessionID,
		hub:       hub,
		ctx:       ctx,
		outbound:  make(chan any, outboundQueueSize),
		subs:      make(map[string]func()),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sf.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
					cancel()
					return
				}
				if t, _ := outboundMessageMeta(msg); t != "unknown" {
					s.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}()

	unwatch := hub.Watch(sf.follow)
	for _, id := range hub.Streams() {
		sf.follow(id)
	}
	sf.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "attached",
	})

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sf.sendError("invalid_client_message", err.Error())
			continue
		}
		sf.handle(parsed)
	}

	unwatch()
	sf.detachAll()
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (sf *surface) handle(msg any) {
	switch m := msg.(type) {
	case protocol.ClientPrompt:
		sf.srv.metrics.WSMessages.WithLabelValues("inbound", string(m.Type)).Inc()
		if m.SessionID != sf.sessionID {
			sf.sendError("session_mismatch", "session_id does not match this connection")
			return
		}
		req, err := turnRequest(m.Text, m.Granularity, m.StepDelayMS, m.Mode)
		if err != nil {
			sf.sendError("invalid_client_message", err.Error())
			return
		}
		if _, err := sf.srv.runner.Start(sf.ctx, sf.sessionID, req); err != nil {
			_, code := turnErrorStatus(err)
			sf.sendError(code, err.Error())
			return
		}
		_ = sf.srv.sessions.Touch(sf.sessionID)
	case protocol.ClientControl:
		sf.srv.metrics.WSMessages.WithLabelValues("inbound", string(m.Type)).Inc()
		if m.SessionID != sf.sessionID {
			sf.sendError("session_mismatch", "session_id does not match this connection")
			return
		}
		switch m.Action {
		case protocol.ActionCancel:
			if err := sf.srv.runner.Cancel(sf.sessionID, m.TurnID); err != nil {
				_, code := turnErrorStatus(err)
				sf.sendError(code, err.Error())
			}
		case protocol.ActionSubscribe:
			if !sf.follow(m.TurnID) {
				sf.sendError("turn_not_streaming", "turn "+m.TurnID+" is not streaming")
			}
		case protocol.ActionUnsubscribe:
			sf.detach(m.TurnID)
		}
	}
}

// follow subscribes the surface to streamID. It reports whether the surface
// is following the stream when it returns.
func (sf *surface) follow(streamID string) bool {
	sf.mu.Lock()
	if _, ok := sf.subs[streamID]; ok {
		sf.mu.Unlock()
		return true
	}
	// Reserve the slot so a catch-up delivery that ends the stream can clear it.
	sf.subs[streamID] = func() {}
	sf.mu.Unlock()

	sf.send(protocol.AssistantTurnStart{
		Type:      protocol.TypeAssistantTurnStart,
		SessionID: sf.sessionID,
		TurnID:    streamID,
	})
	unsubscribe, err := sf.hub.Subscribe(streamID, func(u stream.Update) {
		sf.send(updateMessage(sf.sessionID, u))
		if u.Done {
			sf.mu.Lock()
			delete(sf.subs, streamID)
			sf.mu.Unlock()
		}
	})

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err != nil {
		delete(sf.subs, streamID)
		return false
	}
	if _, ok := sf.subs[streamID]; ok {
		sf.subs[streamID] = unsubscribe
	}
	return true
}

func (sf *surface) detach(streamID string) {
	sf.mu.Lock()
	unsubscribe, ok := sf.subs[streamID]
	delete(sf.subs, streamID)
	sf.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (sf *surface) detachAll() {
	sf.mu.Lock()
	ids := make([]string, 0, len(sf.subs))
	for id := range sf.subs {
		ids = append(ids, id)
	}
	sf.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		sf.detach(id)
	}
}

func (sf *surface) sendError(code, detail string) {
	sf.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sf.sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    detail,
	})
}

// send queues msg for the writer. It runs on publisher goroutines, so text
// updates are dropped when the queue is full; the next cumulative update
// supersedes them. Critical messages wait briefly for room.
func (sf *surface) send(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		sf.srv.metrics.ObserveOutboundMessage(msgType, result)
	}

	if !critical {
		select {
		case sf.outbound <- msg:
			record("delivered")
		default:
			record("dropped")
			sf.srv.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}

	timer := time.NewTimer(criticalOutboundTimeout)
	defer timer.Stop()
	select {
	case sf.outbound <- msg:
		record("delivered")
	case <-sf.ctx.Done():
		record("closed")
	case <-timer.C:
		record("timeout")
		sf.srv.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AssistantText:
		return string(m.Type), false
	case protocol.AssistantTurnStart:
		return string(m.Type), true
	case protocol.AssistantTurnEnd:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}
