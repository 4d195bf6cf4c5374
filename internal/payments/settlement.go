// Package payments settles seat fares: funds are held when a request is
// accepted, captured when the trip completes and released when it falls
// through. It only reacts to lifecycle events and never blocks them.
package payments

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ride-share/internal/keylock"
	"github.com/example/ride-share/internal/models"
)

type HoldRequest struct {
	RequestID   string
	RideID      string
	PassengerID string
	AmountMinor int64
	Currency    string
}

// Gateway is the payment processor.
type Gateway interface {
	Hold(ctx context.Context, h HoldRequest) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

const (
	opCapture = "capture"
	opRelease = "release"
)

// Settlement is a notification channel that drives the gateway from events.
// Events for one request are handled one at a time. A capture or release that
// arrives before its hold is remembered and applied when the hold comes in.
type Settlement struct {
	mu       sync.Mutex
	holds    map[string]string // request id -> hold id
	early    map[string]string // request id -> op that arrived with no hold
	locks    *keylock.Map
	gateway  Gateway
	currency string
	log      *zap.Logger
}

func NewSettlement(gateway Gateway, defaultCurrency string, log *zap.Logger) *Settlement {
	if log == nil {
		log = zap.NewNop()
	}
	return &Settlement{
		holds:    make(map[string]string),
		early:    make(map[string]string),
		locks:    keylock.New(),
		gateway:  gateway,
		currency: defaultCurrency,
		log:      log,
	}
}

func (s *Settlement) Name() string { return "payments" }

func (s *Settlement) Deliver(ctx context.Context, ev models.Event) error {
	var op string
	switch ev.Type {
	case models.EventRequestAccepted:
	case models.EventRideCompleted:
		op = opCapture
	case models.EventRequestDeclined, models.EventRideCancelled:
		op = opRelease
	default:
		return nil
	}
	unlock := s.locks.Lock(ev.RequestID)
	defer unlock()
	if op == "" {
		return s.hold(ctx, ev)
	}
	return s.settle(ctx, ev.RequestID, op)
}

func (s *Settlement) hold(ctx context.Context, ev models.Event) error {
	if ev.AmountMinor <= 0 {
		return nil
	}
	s.mu.Lock()
	_, exists := s.holds[ev.RequestID]
	pending := s.early[ev.RequestID]
	s.mu.Unlock()
	if exists {
		return nil
	}
	if pending == opRelease {
		s.log.Info("hold skipped, request already released", zap.String("request_id", ev.RequestID))
		return nil
	}

	currency := ev.Currency
	if currency == "" {
		currency = s.currency
	}
	id, err := s.gateway.Hold(ctx, HoldRequest{
		RequestID:   ev.RequestID,
		RideID:      ev.RideID,
		PassengerID: ev.RecipientID,
		AmountMinor: ev.AmountMinor,
		Currency:    currency,
	})
	if err != nil {
		return fmt.Errorf("hold for request %s: %w", ev.RequestID, err)
	}
	s.mu.Lock()
	s.holds[ev.RequestID] = id
	delete(s.early, ev.RequestID)
	s.mu.Unlock()
	s.log.Info("fare held", zap.String("request_id", ev.RequestID), zap.String("hold_id", id), zap.Int64("amount_minor", ev.AmountMinor))

	if pending == opCapture {
		return s.settle(ctx, ev.RequestID, opCapture)
	}
	return nil
}

func (s *Settlement) settle(ctx context.Context, requestID, op string) error {
	s.mu.Lock()
	id, ok := s.holds[requestID]
	if ok {
		delete(s.holds, requestID)
	} else if s.early[requestID] == "" {
		s.early[requestID] = op
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	fn := s.gateway.Cancel
	if op == opCapture {
		fn = s.gateway.Capture
	}
	if err := fn(ctx, id); err != nil {
		s.mu.Lock()
		s.holds[requestID] = id
		s.mu.Unlock()
		return fmt.Errorf("%s hold %s: %w", op, id, err)
	}
	s.log.Info("fare settled", zap.String("op", op), zap.String("request_id", requestID), zap.String("hold_id", id))
	return nil
}

// Pending reports the hold for a request, if one is open.
func (s *Settlement) Pending(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[requestID]
	return id, ok
}
