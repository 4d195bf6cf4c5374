// Package history records completed and cancelled trips and the ratings
// passengers and drivers leave each other.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/keylock"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

type RequestLookup interface {
	Get(id string) (models.RideRequest, error)
}

type RideLookup interface {
	Get(id string) (models.Ride, error)
}

type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

type Aggregator struct {
	mu        sync.RWMutex
	entries   map[string]*models.HistoryEntry
	byRequest map[string]string
	locks     *keylock.Map

	requests RequestLookup
	rides    RideLookup
	store    storage.HistoryStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(requests RequestLookup, rides RideLookup, store storage.HistoryStore, notifier Notifier, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		entries:   make(map[string]*models.HistoryEntry),
		byRequest: make(map[string]string),
		locks:     keylock.New(),
		requests:  requests,
		rides:     rides,
		store:     store,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

// SetRequests wires the request ledger in after construction.
func (a *Aggregator) SetRequests(r RequestLookup) { a.requests = r }

func (a *Aggregator) Restore(entries []models.HistoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[string]*models.HistoryEntry, len(entries))
	a.byRequest = make(map[string]string, len(entries))
	for i := range entries {
		e := entries[i]
		a.entries[e.ID] = &e
		a.byRequest[e.RequestID] = e.ID
	}
}

func (a *Aggregator) Get(id string) (models.HistoryEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[id]
	if !ok {
		return models.HistoryEntry{}, models.Errorf(models.KindNotFound, "history entry %s not found", id)
	}
	return copyEntry(e), nil
}

func (a *Aggregator) byRequestID(requestID string) (models.HistoryEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byRequest[requestID]
	if !ok {
		return models.HistoryEntry{}, false
	}
	return copyEntry(a.entries[id]), true
}

func copyEntry(e *models.HistoryEntry) models.HistoryEntry {
	cp := *e
	cp.Ratings = append([]models.Rating(nil), e.Ratings...)
	return cp
}

// Complete records an accepted request on a departed ride as a completed trip.
// Completing the same request again returns the existing entry.
func (a *Aggregator) Complete(ctx context.Context, requestID string) (string, error) {
	unlock := a.locks.Lock("req:" + requestID)
	defer unlock()

	if existing, ok := a.byRequestID(requestID); ok {
		if existing.Status != models.HistoryCompleted {
			return "", models.Errorf(models.KindInvalidState, "request %s was recorded as %s", requestID, existing.Status)
		}
		return existing.ID, nil
	}

	req, err := a.requests.Get(requestID)
	if err != nil {
		return "", err
	}
	if req.Status != models.RequestAccepted {
		return "", models.Errorf(models.KindInvalidState, "request %s is %s", req.ID, req.Status)
	}
	ride, err := a.rides.Get(req.RideID)
	if err != nil {
		return "", err
	}
	if ride.Status != models.RideDeparted {
		return "", models.Errorf(models.KindInvalidState, "ride %s has not departed", ride.ID)
	}

	entry, err := a.record(ctx, req, ride.DriverID, models.HistoryCompleted)
	if err != nil {
		return "", err
	}
	if a.notifier != nil {
		a.notifier.Emit(ctx, models.Event{
			Type:        models.EventRideCompleted,
			RecipientID: req.PassengerID,
			ActorID:     ride.DriverID,
			RideID:      ride.ID,
			RequestID:   req.ID,
			AmountMinor: int64(req.Seats) * ride.PricePerSeat,
			Currency:    ride.Currency,
		})
	}
	return entry.ID, nil
}

// RecordCancelled records an accepted request whose ride was cancelled.
func (a *Aggregator) RecordCancelled(ctx context.Context, req models.RideRequest, driverID string) (string, error) {
	unlock := a.locks.Lock("req:" + req.ID)
	defer unlock()

	if existing, ok := a.byRequestID(req.ID); ok {
		return existing.ID, nil
	}
	entry, err := a.record(ctx, req, driverID, models.HistoryCancelled)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (a *Aggregator) record(ctx context.Context, req models.RideRequest, driverID string, status models.HistoryStatus) (models.HistoryEntry, error) {
	entry := models.HistoryEntry{
		ID:          uuid.NewString(),
		RideID:      req.RideID,
		RequestID:   req.ID,
		PassengerID: req.PassengerID,
		DriverID:    driverID,
		Seats:       req.Seats,
		Status:      status,
		CreatedAt:   a.now(),
	}
	if err := a.store.SaveHistory(ctx, &entry); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("save history: %w", err)
	}
	a.mu.Lock()
	a.entries[entry.ID] = &entry
	a.byRequest[req.ID] = entry.ID
	a.mu.Unlock()

	observability.HistoryEntries.WithLabelValues(string(status)).Inc()
	a.log.Info("history recorded", zap.String("entry_id", entry.ID), zap.String("request_id", req.ID), zap.String("status", string(status)))
	return entry, nil
}

// Rate stores raterID's rating of the counterpart on a completed trip. Each
// participant rates at most once.
func (a *Aggregator) Rate(ctx context.Context, entryID, raterID string, value models.RatingValue) error {
	if !value.Valid() {
		return models.Errorf(models.KindValidation, "rating must be positive or negative")
	}

	unlock := a.locks.Lock("entry:" + entryID)
	defer unlock()

	entry, err := a.Get(entryID)
	if err != nil {
		return err
	}
	if entry.Status != models.HistoryCompleted {
		return models.Errorf(models.KindInvalidState, "only completed trips can be rated")
	}
	if raterID != entry.PassengerID && raterID != entry.DriverID {
		return models.Errorf(models.KindNotParticipant, "user %s did not take part in this trip", raterID)
	}
	if _, ok := entry.RatingBy(raterID); ok {
		return models.Errorf(models.KindAlreadyRated, "user %s already rated this trip", raterID)
	}

	rating := models.Rating{RaterID: raterID, Value: value, CreatedAt: a.now()}
	if err := a.store.SaveRating(ctx, entryID, rating); err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	a.mu.Lock()
	e := a.entries[entryID]
	e.Ratings = append(e.Ratings, rating)
	a.mu.Unlock()

	observability.RatingsTotal.WithLabelValues(string(value)).Inc()
	return nil
}

// History lists the user's trips, most recent first. An empty role or status
// matches any.
func (a *Aggregator) History(userID string, role models.Role, status models.HistoryStatus) []models.HistoryEntry {
	a.mu.RLock()
	out := make([]models.HistoryEntry, 0)
	for _, e := range a.entries {
		switch role {
		case models.RolePassenger:
			if e.PassengerID != userID {
				continue
			}
		case models.RoleDriver:
			if e.DriverID != userID {
				continue
			}
		default:
			if e.PassengerID != userID && e.DriverID != userID {
				continue
			}
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, copyEntry(e))
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Reputation counts the ratings userID received from trip counterparts.
func (a *Aggregator) Reputation(userID string) models.Reputation {
	rep := models.Reputation{UserID: userID}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		var counterpart string
		switch userID {
		case e.PassengerID:
			counterpart = e.DriverID
		case e.DriverID:
			counterpart = e.PassengerID
		default:
			continue
		}
		if r, ok := e.RatingBy(counterpart); ok {
			if r.Value == models.RatingPositive {
				rep.Positive++
			} else {
				rep.Negative++
			}
		}
	}
	return rep
}
