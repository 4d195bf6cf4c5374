package httpapi

import (
	"net/http"

	"github.com/example/ride-share/internal/models"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := models.Role(q.Get("role"))
	if role != "" && role != models.RolePassenger && role != models.RoleDriver {
		s.writeError(w, r, models.Errorf(models.KindValidation, "role must be passenger or driver"))
		return
	}
	status := models.HistoryStatus(q.Get("status"))
	if status != "" && status != models.HistoryCompleted && status != models.HistoryCancelled {
		s.writeError(w, r, models.Errorf(models.KindValidation, "status must be completed or cancelled"))
		return
	}
	writeJSON(w, http.StatusOK, s.History.History(userIDFromContext(r.Context()), role, status))
}

type rateBody struct {
	Value models.RatingValue `json:"value"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var in rateBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := pathID(r)
	if err := s.History.Rate(r.Context(), id, userIDFromContext(r.Context()), in.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.History.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.History.Reputation(pathID(r)))
}
