package httpapi

import (
	"net/http"

	"github.com/ent0n29/threadline/internal/message"
)

type extractTextRequest struct {
	Message   message.Message `json:"message"`
	Separator string          `json:"separator"`
}

type extractTextResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleExtractText(w http.ResponseWriter, r *http.Request) {
	var req extractTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, extractTextResponse{
		Text: message.ExtractText(req.Message, req.Separator),
	})
}
