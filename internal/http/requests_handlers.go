package httpapi

import (
	"context"
	"net/http"

	"github.com/example/ride-share/internal/models"
)

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Ledger.ListByPassenger(userIDFromContext(r.Context())))
}

// visibleRequest loads a request the caller is a party to, as passenger or driver.
func (s *Server) visibleRequest(r *http.Request) (models.RideRequest, models.Ride, error) {
	req, err := s.Ledger.Get(pathID(r))
	if err != nil {
		return models.RideRequest{}, models.Ride{}, err
	}
	ride, err := s.Catalog.Get(req.RideID)
	if err != nil {
		return models.RideRequest{}, models.Ride{}, err
	}
	user := userIDFromContext(r.Context())
	if user != req.PassengerID && user != ride.DriverID {
		return models.RideRequest{}, models.Ride{}, models.Errorf(models.KindForbidden, "request %s belongs to another user", req.ID)
	}
	return req, ride, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.visibleRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.RoleDriver, s.Ledger.Accept)
}

type declineBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeclineRequest(w http.ResponseWriter, r *http.Request) {
	var in declineBody
	if err := decodeOptionalJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.decide(w, r, models.RoleDriver, func(ctx context.Context, id string) error {
		return s.Ledger.Decline(ctx, id, in.Reason)
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.RolePassenger, s.Ledger.Cancel)
}

// decide runs a ledger transition after checking the caller holds role on the request.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, role models.Role, fn func(ctx context.Context, requestID string) error) {
	req, ride, err := s.visibleRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user := userIDFromContext(r.Context())
	if (role == models.RoleDriver && user != ride.DriverID) || (role == models.RolePassenger && user != req.PassengerID) {
		s.writeError(w, r, models.Errorf(models.KindForbidden, "only the %s can do this", role))
		return
	}
	if err := fn(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.Ledger.Get(req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.visibleRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.History.Complete(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.History.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
