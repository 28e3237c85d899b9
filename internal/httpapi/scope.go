package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/threadline/internal/stream"
)

// sessionScope resolves the hub of the request's session and scopes it to
// the request context. Handlers mounted behind it use stream.MustHub.
func (s *Server) sessionScope(sessionID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(sessionID(r))
			if id == "" {
				respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
				return
			}
			hub, err := s.sessions.Hub(id)
			if err != nil {
				status, code := turnErrorStatus(err)
				respondError(w, status, code, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(stream.WithHub(r.Context(), hub)))
		})
	}
}

func pathSessionID(r *http.Request) string { return chi.URLParam(r, "id") }

func querySessionID(r *http.Request) string { return r.URL.Query().Get("session_id") }
