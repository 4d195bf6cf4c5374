package httpapi

import (
	"net/http"

	"github.com/example/ride-share/internal/models"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Prefs.Get(userIDFromContext(r.Context())))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var in map[models.Category]bool
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Prefs.Set(userIDFromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Kind: "unavailable", Message: "notification inbox is not configured"})
		return
	}
	counts, err := s.Inbox.Counts(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleResetUnread(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Kind: "unavailable", Message: "notification inbox is not configured"})
		return
	}
	category := models.Category(r.URL.Query().Get("category"))
	if category != "" {
		known := false
		for _, c := range models.Categories {
			known = known || c == category
		}
		if !known {
			s.writeError(w, r, models.Errorf(models.KindValidation, "unknown notification category %q", category))
			return
		}
	}
	if err := s.Inbox.Reset(r.Context(), userIDFromContext(r.Context()), category); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
