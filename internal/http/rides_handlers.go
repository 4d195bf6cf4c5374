package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-share/internal/models"
)

type publishRideRequest struct {
	Origin       string    `json:"origin"`
	Destination  string    `json:"destination"`
	DepartureAt  time.Time `json:"departure_at"`
	TotalSeats   int       `json:"total_seats"`
	PricePerSeat int64     `json:"price_per_seat"`
	Currency     string    `json:"currency"`
	VehicleType  string    `json:"vehicle_type"`
	Notes        string    `json:"notes"`
}

func (s *Server) handlePublishRide(w http.ResponseWriter, r *http.Request) {
	var in publishRideRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.opts.Currency
	}
	id, err := s.Catalog.Publish(r.Context(), models.Ride{
		DriverID:     userIDFromContext(r.Context()),
		Origin:       in.Origin,
		Destination:  in.Destination,
		DepartureAt:  in.DepartureAt,
		TotalSeats:   in.TotalSeats,
		PricePerSeat: in.PricePerSeat,
		Currency:     currency,
		VehicleType:  in.VehicleType,
		Notes:        in.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Catalog.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func parseSearchFilter(q url.Values) (models.SearchFilter, error) {
	f := models.SearchFilter{
		OriginContains:      q.Get("origin"),
		DestinationContains: q.Get("destination"),
	}
	parseTime := func(key string) (*time.Time, error) {
		v := q.Get(key)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, models.Errorf(models.KindValidation, "%s must be an RFC 3339 timestamp", key)
		}
		return &t, nil
	}
	parsePrice := func(key string) (*int64, error) {
		v := q.Get(key)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, models.Errorf(models.KindValidation, "%s must be a non-negative integer", key)
		}
		return &n, nil
	}

	var err error
	if f.DepartFrom, err = parseTime("from"); err != nil {
		return f, err
	}
	if f.DepartTo, err = parseTime("to"); err != nil {
		return f, err
	}
	if f.MinPrice, err = parsePrice("min_price"); err != nil {
		return f, err
	}
	if f.MaxPrice, err = parsePrice("max_price"); err != nil {
		return f, err
	}
	if v := q.Get("min_seats"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, models.Errorf(models.KindValidation, "min_seats must be a positive integer")
		}
		f.MinSeats = n
	}
	return f, nil
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	f, err := parseSearchFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Catalog.Search(f))
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Catalog.ListByDriver(userIDFromContext(r.Context())))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Catalog.Get(pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// ownRide loads the ride and checks that the caller drives it.
func (s *Server) ownRide(r *http.Request, rideID string) (models.Ride, error) {
	ride, err := s.Catalog.Get(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.DriverID != userIDFromContext(r.Context()) {
		return models.Ride{}, models.Errorf(models.KindForbidden, "only the driver can manage ride %s", rideID)
	}
	return ride, nil
}

func (s *Server) handleDepartRide(w http.ResponseWriter, r *http.Request) {
	s.rideTransition(w, r, s.Catalog.MarkDeparted)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	s.rideTransition(w, r, s.Catalog.Cancel)
}

func (s *Server) rideTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rideID string) error) {
	id := pathID(r)
	if _, err := s.ownRide(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Catalog.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type submitRequestBody struct {
	Seats   int    `json:"seats_requested"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in submitRequestBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Ledger.Submit(r.Context(), pathID(r), userIDFromContext(r.Context()), in.Seats, in.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Ledger.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRideRequests(w http.ResponseWriter, r *http.Request) {
	ride, err := s.ownRide(r, pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Ledger.ListByRide(ride.ID))
}
