// Package ledger tracks ride requests from submission to a terminal decision.
// All mutations of a request happen inside its ride's critical section, which
// is what keeps seat accounting correct under concurrent accepts.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

// ReasonRideCancelled is attached to requests declined by a ride cancellation.
const ReasonRideCancelled = "ride cancelled by driver"

const maxMessageLen = 500

// Rides is the part of the ride catalog the ledger needs.
type Rides interface {
	Get(id string) (models.Ride, error)
	Txn(ctx context.Context, rideID string, fn func(r *models.Ride) error) error
}

// Conversations reserves the driver/passenger thread on acceptance. A new
// conversation is written by CommitAcceptance together with the booking, and
// release reports whether that commit happened.
type Conversations interface {
	ReserveConversation(ctx context.Context, userA, userB, rideID string) (c models.Conversation, isNew bool, release func(committed bool), err error)
}

// HistoryRecorder records accepted requests lost to a ride cancellation.
type HistoryRecorder interface {
	RecordCancelled(ctx context.Context, req models.RideRequest, driverID string) (string, error)
}

type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

type Ledger struct {
	mu          sync.RWMutex
	requests    map[string]*models.RideRequest
	byRide      map[string][]string
	byPassenger map[string][]string

	rides    Rides
	convs    Conversations
	history  HistoryRecorder
	store    storage.RequestStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(rides Rides, convs Conversations, history HistoryRecorder, store storage.RequestStore, notifier Notifier, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		requests:    make(map[string]*models.RideRequest),
		byRide:      make(map[string][]string),
		byPassenger: make(map[string][]string),
		rides:       rides,
		convs:       convs,
		history:     history,
		store:       store,
		notifier:    notifier,
		log:         log,
		now:         time.Now,
	}
}

func (l *Ledger) Restore(reqs []models.RideRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = make(map[string]*models.RideRequest, len(reqs))
	l.byRide = make(map[string][]string)
	l.byPassenger = make(map[string][]string)
	for i := range reqs {
		l.insertLocked(reqs[i])
	}
}

func (l *Ledger) insertLocked(req models.RideRequest) {
	if _, ok := l.requests[req.ID]; !ok {
		l.byRide[req.RideID] = append(l.byRide[req.RideID], req.ID)
		l.byPassenger[req.PassengerID] = append(l.byPassenger[req.PassengerID], req.ID)
	}
	l.requests[req.ID] = &req
}

func (l *Ledger) put(req models.RideRequest) {
	l.mu.Lock()
	l.insertLocked(req)
	l.mu.Unlock()
}

func (l *Ledger) Get(id string) (models.RideRequest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.requests[id]
	if !ok {
		return models.RideRequest{}, models.Errorf(models.KindNotFound, "request %s not found", id)
	}
	return *r, nil
}

func (l *Ledger) ListByRide(rideID string) []models.RideRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(l.byRide[rideID])
}

func (l *Ledger) ListByPassenger(passengerID string) []models.RideRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(l.byPassenger[passengerID])
}

func (l *Ledger) collectLocked(ids []string) []models.RideRequest {
	out := make([]models.RideRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.requests[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) hasPendingLocked(rideID, passengerID string) bool {
	for _, id := range l.byRide[rideID] {
		r := l.requests[id]
		if r.PassengerID == passengerID && r.Status == models.RequestPending {
			return true
		}
	}
	return false
}

// Submit files a pending request for seats on an open ride.
func (l *Ledger) Submit(ctx context.Context, rideID, passengerID string, seats int, message string) (string, error) {
	if seats < 1 {
		return "", models.Errorf(models.KindValidation, "seats_requested must be at least 1")
	}
	if strings.TrimSpace(passengerID) == "" {
		return "", models.Errorf(models.KindValidation, "passenger_id is required")
	}
	if len([]rune(message)) > maxMessageLen {
		return "", models.Errorf(models.KindValidation, "message exceeds %d characters", maxMessageLen)
	}

	var req models.RideRequest
	var driverID string
	err := l.rides.Txn(ctx, rideID, func(r *models.Ride) error {
		if r.DriverID == passengerID {
			return models.Errorf(models.KindValidation, "drivers cannot request seats on their own ride")
		}
		if !r.Bookable() {
			return models.Errorf(models.KindCapacity, "ride %s is %s", r.ID, r.Status)
		}
		if seats > r.AvailableSeats {
			return models.Errorf(models.KindCapacity, "requested %d seats, %d available", seats, r.AvailableSeats)
		}
		l.mu.RLock()
		dup := l.hasPendingLocked(r.ID, passengerID)
		l.mu.RUnlock()
		if dup {
			return models.Errorf(models.KindDuplicateRequest, "passenger already has a pending request on ride %s", r.ID)
		}

		req = models.RideRequest{
			ID:          uuid.NewString(),
			RideID:      r.ID,
			PassengerID: passengerID,
			Seats:       seats,
			Status:      models.RequestPending,
			Message:     strings.TrimSpace(message),
			CreatedAt:   l.now(),
		}
		if err := l.store.SaveRequest(ctx, &req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		l.put(req)
		driverID = r.DriverID
		return nil
	})
	observability.RequestOutcomes.WithLabelValues("submit", outcome(err)).Inc()
	if err != nil {
		return "", err
	}

	l.log.Info("request submitted", zap.String("request_id", req.ID), zap.String("ride_id", rideID), zap.Int("seats", seats))
	l.emit(ctx, models.Event{
		Type:        models.EventRequestCreated,
		RecipientID: driverID,
		ActorID:     passengerID,
		RideID:      rideID,
		RequestID:   req.ID,
	})
	return req.ID, nil
}

// Accept confirms a pending request, reserving its seats and opening the
// driver/passenger conversation. Exactly one of several concurrent accepts
// competing for the last seats succeeds.
func (l *Ledger) Accept(ctx context.Context, requestID string) error {
	start := time.Now()
	req, err := l.Get(requestID)
	if err != nil {
		return err
	}

	var accepted models.RideRequest
	var ride models.Ride
	err = l.rides.Txn(ctx, req.RideID, func(r *models.Ride) error {
		cur, err := l.Get(requestID)
		if err != nil {
			return err
		}
		if cur.Status != models.RequestPending {
			return models.Errorf(models.KindInvalidState, "request %s is %s", cur.ID, cur.Status)
		}
		if r.Closed() {
			return models.Errorf(models.KindInvalidState, "ride %s is %s", r.ID, r.Status)
		}
		if cur.Seats > r.AvailableSeats {
			return models.Errorf(models.KindCapacity, "requested %d seats, %d available", cur.Seats, r.AvailableSeats)
		}

		conv, isNew, release, err := l.convs.ReserveConversation(ctx, r.DriverID, cur.PassengerID, r.ID)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		committed := false
		defer func() { release(committed) }()
		var newConv *models.Conversation
		if isNew {
			newConv = &conv
		}

		now := l.now()
		r.AvailableSeats -= cur.Seats
		if r.AvailableSeats == 0 {
			r.Status = models.RideFull
		}
		r.UpdatedAt = now
		cur.Status = models.RequestAccepted
		cur.DecidedAt = &now
		cur.ConversationID = conv.ID

		if err := l.store.CommitAcceptance(ctx, r, &cur, newConv); err != nil {
			return fmt.Errorf("commit acceptance: %w", err)
		}
		committed = true
		l.put(cur)
		accepted, ride = cur, *r
		return nil
	})
	observability.AcceptLatency.Observe(time.Since(start).Seconds())
	observability.RequestOutcomes.WithLabelValues("accept", outcome(err)).Inc()
	if err != nil {
		return err
	}

	l.log.Info("request accepted",
		zap.String("request_id", requestID),
		zap.String("ride_id", ride.ID),
		zap.Int("seats_left", ride.AvailableSeats))
	l.emit(ctx, models.Event{
		Type:           models.EventRequestAccepted,
		RecipientID:    accepted.PassengerID,
		ActorID:        ride.DriverID,
		RideID:         ride.ID,
		RequestID:      accepted.ID,
		ConversationID: accepted.ConversationID,
		AmountMinor:    int64(accepted.Seats) * ride.PricePerSeat,
		Currency:       ride.Currency,
	})
	return nil
}

// Decline rejects a pending request.
func (l *Ledger) Decline(ctx context.Context, requestID, reason string) error {
	declined, ride, err := l.finish(ctx, "decline", requestID, models.RequestDeclined, strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	l.emit(ctx, models.Event{
		Type:        models.EventRequestDeclined,
		RecipientID: declined.PassengerID,
		ActorID:     ride.DriverID,
		RideID:      ride.ID,
		RequestID:   declined.ID,
		Reason:      declined.Reason,
	})
	return nil
}

// Cancel withdraws a pending request on behalf of its passenger.
func (l *Ledger) Cancel(ctx context.Context, requestID string) error {
	cancelled, ride, err := l.finish(ctx, "cancel", requestID, models.RequestCancelled, "")
	if err != nil {
		return err
	}
	l.emit(ctx, models.Event{
		Type:        models.EventRequestCancelled,
		RecipientID: ride.DriverID,
		ActorID:     cancelled.PassengerID,
		RideID:      ride.ID,
		RequestID:   cancelled.ID,
	})
	return nil
}

// finish moves a pending request to a terminal state that frees no seats.
func (l *Ledger) finish(ctx context.Context, op, requestID string, status models.RequestStatus, reason string) (models.RideRequest, models.Ride, error) {
	req, err := l.Get(requestID)
	if err != nil {
		return models.RideRequest{}, models.Ride{}, err
	}
	var done models.RideRequest
	var ride models.Ride
	err = l.rides.Txn(ctx, req.RideID, func(r *models.Ride) error {
		cur, err := l.Get(requestID)
		if err != nil {
			return err
		}
		if cur.Status != models.RequestPending {
			return models.Errorf(models.KindInvalidState, "request %s is %s", cur.ID, cur.Status)
		}
		now := l.now()
		cur.Status = status
		cur.Reason = reason
		cur.DecidedAt = &now
		if err := l.store.UpdateRequest(ctx, &cur); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		l.put(cur)
		done, ride = cur, *r
		return nil
	})
	observability.RequestOutcomes.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		return models.RideRequest{}, models.Ride{}, err
	}
	l.log.Info("request "+string(status), zap.String("request_id", requestID), zap.String("ride_id", ride.ID))
	return done, ride, nil
}

// CancelByRide declines every pending and accepted request of a cancelled
// ride and gives accepted seats back. Calling it again is a no-op.
func (l *Ledger) CancelByRide(ctx context.Context, rideID string) error {
	var affected []models.RideRequest
	var ride models.Ride
	err := l.rides.Txn(ctx, rideID, func(r *models.Ride) error {
		if r.Status != models.RideCancelled {
			return models.Errorf(models.KindInvalidState, "ride %s is %s", r.ID, r.Status)
		}
		l.mu.RLock()
		var open []models.RideRequest
		for _, id := range l.byRide[rideID] {
			if s := l.requests[id].Status; s == models.RequestPending || s == models.RequestAccepted {
				open = append(open, *l.requests[id])
			}
		}
		l.mu.RUnlock()
		if len(open) == 0 {
			return nil
		}

		now := l.now()
		changed := make([]models.RideRequest, 0, len(open))
		for _, req := range open {
			next := req
			if req.Status == models.RequestAccepted {
				r.AvailableSeats += req.Seats
			}
			next.Status = models.RequestDeclined
			next.Reason = ReasonRideCancelled
			next.DecidedAt = &now
			changed = append(changed, next)
		}
		if r.AvailableSeats > r.TotalSeats {
			r.AvailableSeats = r.TotalSeats
		}
		r.UpdatedAt = now

		if err := l.store.CommitCancellation(ctx, r, changed); err != nil {
			return fmt.Errorf("commit cancellation: %w", err)
		}
		for _, c := range changed {
			l.put(c)
		}
		affected, ride = open, *r
		return nil
	})
	observability.RequestOutcomes.WithLabelValues("cancel_by_ride", outcome(err)).Inc()
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	l.log.Info("ride requests declined", zap.String("ride_id", rideID), zap.Int("count", len(affected)))

	for _, prev := range affected {
		ev := models.Event{
			Type:        models.EventRequestDeclined,
			RecipientID: prev.PassengerID,
			ActorID:     ride.DriverID,
			RideID:      ride.ID,
			RequestID:   prev.ID,
			Reason:      ReasonRideCancelled,
		}
		if prev.Status == models.RequestAccepted {
			ev.Type = models.EventRideCancelled
			if l.history != nil {
				if _, err := l.history.RecordCancelled(ctx, prev, ride.DriverID); err != nil {
					l.log.Error("record cancelled history", zap.String("request_id", prev.ID), zap.Error(err))
				}
			}
		}
		l.emit(ctx, ev)
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, ev models.Event) {
	if l.notifier == nil {
		return
	}
	l.notifier.Emit(ctx, ev)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := models.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
