package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/threadline/internal/protocol"
	"github.com/ent0n29/threadline/internal/session"
	"github.com/ent0n29/threadline/internal/stream"
	"github.com/ent0n29/threadline/internal/turns"
)

type startTurnRequest struct {
	Text        string `json:"text"`
	Granularity string `json:"granularity"`
	StepDelayMS int    `json:"step_delay_ms"`
	Mode        string `json:"mode"`
}

// turnRequest validates the pacing fields shared by HTTP and websocket
// prompts.
func turnRequest(text, granularity string, stepDelayMS int, mode string) (turns.Request, error) {
	g, err := stream.ParseGranularity(granularity)
	if err != nil {
		return turns.Request{}, err
	}
	m, err := turns.ParseMode(mode)
	if err != nil {
		return turns.Request{}, err
	}
	if stepDelayMS < 0 {
		return turns.Request{}, errors.New("step_delay_ms must be >= 0")
	}
	if strings.TrimSpace(granularity) == "" {
		g = ""
	}
	return turns.Request{
		Text:        text,
		Granularity: g,
		StepDelay:   time.Duration(stepDelayMS) * time.Millisecond,
		Mode:        m,
	}, nil
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var body startTurnRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := turnRequest(body.Text, body.Granularity, body.StepDelayMS, body.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	turn, err := s.runner.Start(r.Context(), sessionID, req)
	if err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	_ = s.sessions.Touch(sessionID)
	respondJSON(w, http.StatusAccepted, turn)
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	turnID := chi.URLParam(r, "turn")
	if err := s.runner.Cancel(sessionID, turnID); err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"turn_id":    turnID,
		"status":     "cancel_requested",
	})
}

// handleTurnEvents streams one turn as server-sent events. A late attacher
// first receives the latest cumulative text.
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	turnID := chi.URLParam(r, "turn")

	hub := stream.MustHub(r.Context())
	sse, err := newSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	box := newUpdateBox()
	unsubscribe, err := hub.Subscribe(turnID, box.put)
	if err != nil {
		respondError(w, http.StatusNotFound, "turn_not_streaming", err.Error())
		return
	}
	defer unsubscribe()
	s.metrics.SessionEvents.WithLabelValues("sse_attached").Inc()

	sse.start()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-box.ready():
		}
		for _, u := range box.drain() {
			msg := updateMessage(sessionID, u)
			msgType, _ := outboundMessageMeta(msg)
			if err := sse.event(msgType, msg); err != nil {
				return
			}
			s.metrics.ObserveOutboundMessage(msgType, "sse")
			if u.Done {
				return
			}
		}
	}
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrEnded):
		return http.StatusConflict, "session_ended"
	case errors.Is(err, turns.ErrTurnNotFound):
		return http.StatusNotFound, "turn_not_found"
	case errors.Is(err, turns.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, turns.ErrEmptyPrompt), errors.Is(err, turns.ErrInvalidMode):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// updateMessage maps a hub update to its wire message.
func updateMessage(sessionID string, u stream.Update) any {
	if !u.Done {
		return protocol.AssistantText{
			Type:      protocol.TypeAssistantText,
			SessionID: sessionID,
			TurnID:    u.StreamID,
			Text:      u.Text,
			Seq:       u.Seq,
		}
	}
	end := protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: sessionID,
		TurnID:    u.StreamID,
		Reason:    string(u.State),
		Text:      u.Text,
	}
	if u.Err != nil {
		end.Detail = u.Err.Error()
	}
	return end
}
