// Package catalog owns published rides and their seat counts.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/keylock"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

const minPlaceLen = 3

// Canceller receives the cascade when a ride is cancelled.
type Canceller interface {
	CancelByRide(ctx context.Context, rideID string) error
}

type Catalog struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	locks *keylock.Map

	store     storage.RideStore
	canceller Canceller
	log       *zap.Logger
	now       func() time.Time
}

func New(store storage.RideStore, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		rides: make(map[string]*models.Ride),
		locks: keylock.New(),
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// SetCanceller wires the request ledger in after construction; the ledger
// itself depends on the catalog.
func (c *Catalog) SetCanceller(cc Canceller) { c.canceller = cc }

// Restore replaces the in-memory rides with persisted ones.
func (c *Catalog) Restore(rides []models.Ride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rides = make(map[string]*models.Ride, len(rides))
	for i := range rides {
		r := rides[i]
		c.rides[r.ID] = &r
	}
}

func validateRide(r *models.Ride) error {
	switch {
	case strings.TrimSpace(r.DriverID) == "":
		return models.Errorf(models.KindValidation, "driver_id is required")
	case len([]rune(strings.TrimSpace(r.Origin))) < minPlaceLen:
		return models.Errorf(models.KindValidation, "origin must be at least %d characters", minPlaceLen)
	case len([]rune(strings.TrimSpace(r.Destination))) < minPlaceLen:
		return models.Errorf(models.KindValidation, "destination must be at least %d characters", minPlaceLen)
	case r.DepartureAt.IsZero():
		return models.Errorf(models.KindValidation, "departure_at is required")
	case r.TotalSeats < 1:
		return models.Errorf(models.KindValidation, "total_seats must be at least 1")
	case r.PricePerSeat < 0:
		return models.Errorf(models.KindValidation, "price_per_seat must not be negative")
	}
	return nil
}

// Publish registers a new open ride with every seat available.
func (c *Catalog) Publish(ctx context.Context, in models.Ride) (string, error) {
	if err := validateRide(&in); err != nil {
		return "", err
	}
	now := c.now()
	ride := in
	ride.ID = uuid.NewString()
	ride.Origin = strings.TrimSpace(in.Origin)
	ride.Destination = strings.TrimSpace(in.Destination)
	ride.AvailableSeats = in.TotalSeats
	ride.Status = models.RideOpen
	ride.CreatedAt = now
	ride.UpdatedAt = now

	if err := c.store.SaveRide(ctx, &ride); err != nil {
		return "", fmt.Errorf("save ride: %w", err)
	}
	c.mu.Lock()
	c.rides[ride.ID] = &ride
	c.mu.Unlock()

	observability.RidesPublished.Inc()
	c.log.Info("ride published", zap.String("ride_id", ride.ID), zap.String("driver_id", ride.DriverID), zap.Int("seats", ride.TotalSeats))
	return ride.ID, nil
}

func (c *Catalog) Get(id string) (models.Ride, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rides[id]
	if !ok {
		return models.Ride{}, models.Errorf(models.KindNotFound, "ride %s not found", id)
	}
	return *r, nil
}

// Search returns bookable rides matching every predicate of f, soonest first.
func (c *Catalog) Search(f models.SearchFilter) []models.Ride {
	minSeats := f.MinSeats
	if minSeats < 1 {
		minSeats = 1
	}
	origin := strings.ToLower(strings.TrimSpace(f.OriginContains))
	dest := strings.ToLower(strings.TrimSpace(f.DestinationContains))

	c.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range c.rides {
		if r.Status != models.RideOpen || r.AvailableSeats < minSeats {
			continue
		}
		if origin != "" && !strings.Contains(strings.ToLower(r.Origin), origin) {
			continue
		}
		if dest != "" && !strings.Contains(strings.ToLower(r.Destination), dest) {
			continue
		}
		if f.DepartFrom != nil && r.DepartureAt.Before(*f.DepartFrom) {
			continue
		}
		if f.DepartTo != nil && r.DepartureAt.After(*f.DepartTo) {
			continue
		}
		if f.MinPrice != nil && r.PricePerSeat < *f.MinPrice {
			continue
		}
		if f.MaxPrice != nil && r.PricePerSeat > *f.MaxPrice {
			continue
		}
		out = append(out, *r)
	}
	c.mu.RUnlock()

	sortRides(out)
	return out
}

// ListByDriver returns every ride the driver published, soonest first.
func (c *Catalog) ListByDriver(driverID string) []models.Ride {
	c.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range c.rides {
		if r.DriverID == driverID {
			out = append(out, *r)
		}
	}
	c.mu.RUnlock()
	sortRides(out)
	return out
}

func sortRides(rs []models.Ride) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].DepartureAt.Equal(rs[j].DepartureAt) {
			return rs[i].DepartureAt.Before(rs[j].DepartureAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// Txn runs fn with exclusive access to the ride. fn works on a copy which
// replaces the stored ride only when fn returns nil. Persisting the copy is
// up to fn.
func (c *Catalog) Txn(ctx context.Context, rideID string, fn func(r *models.Ride) error) error {
	unlock := c.locks.Lock(rideID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := c.Get(rideID)
	if err != nil {
		return err
	}
	if err := fn(&cur); err != nil {
		return err
	}
	if cur.AvailableSeats < 0 || cur.AvailableSeats > cur.TotalSeats {
		return fmt.Errorf("ride %s: available seats %d out of range", rideID, cur.AvailableSeats)
	}
	c.mu.Lock()
	c.rides[rideID] = &cur
	c.mu.Unlock()
	return nil
}

// MarkDeparted closes an open or full ride to further changes.
func (c *Catalog) MarkDeparted(ctx context.Context, rideID string) error {
	err := c.Txn(ctx, rideID, func(r *models.Ride) error {
		if r.Closed() {
			return models.Errorf(models.KindInvalidState, "ride %s is %s", r.ID, r.Status)
		}
		r.Status = models.RideDeparted
		r.UpdatedAt = c.now()
		if err := c.store.UpdateRide(ctx, r); err != nil {
			return fmt.Errorf("update ride: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideDeparted)).Inc()
	c.log.Info("ride departed", zap.String("ride_id", rideID))
	return nil
}

// Cancel cancels the ride and declines its outstanding requests. Cancelling an
// already cancelled ride re-runs the cascade, which is idempotent.
func (c *Catalog) Cancel(ctx context.Context, rideID string) error {
	err := c.Txn(ctx, rideID, func(r *models.Ride) error {
		switch r.Status {
		case models.RideCancelled:
			return nil
		case models.RideDeparted:
			return models.Errorf(models.KindInvalidState, "ride %s already departed", r.ID)
		}
		r.Status = models.RideCancelled
		r.UpdatedAt = c.now()
		if err := c.store.UpdateRide(ctx, r); err != nil {
			return fmt.Errorf("update ride: %w", err)
		}
		observability.RideTransitions.WithLabelValues(string(models.RideCancelled)).Inc()
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("ride cancelled", zap.String("ride_id", rideID))

	if c.canceller == nil {
		return nil
	}
	if err := c.canceller.CancelByRide(ctx, rideID); err != nil {
		return fmt.Errorf("cancel requests of ride %s: %w", rideID, err)
	}
	return nil
}
