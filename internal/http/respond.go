package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/models"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = &models.Error{Kind: models.KindValidation, Message: "request body is required"}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindCapacity, models.KindInvalidState, models.KindDuplicateRequest,
		models.KindAlreadyRated, models.KindNotParticipant:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders domain errors with their kind and hides everything else.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *models.Error
	if errors.As(err, &de) {
		writeJSON(w, statusFor(de.Kind), errorBody{Kind: string(de.Kind), Message: de.Error()})
		return
	}
	s.logger.Error("request failed",
		zap.String("route", routeTemplate(r)),
		zap.String("request_id", requestIDFromContext(r.Context())),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: "internal error"})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return models.Errorf(models.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := decodeJSON(r, v)
	if err == errEmptyBody {
		return nil
	}
	return err
}

func pathID(r *http.Request) string { return mux.Vars(r)["id"] }
