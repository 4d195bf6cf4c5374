// Package dispatch fans lifecycle events out to notification channels.
// Delivery never blocks the caller and never holds an entity lock.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
)

// Channel delivers one event to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev models.Event) error
}

type registration struct {
	ch           Channel
	respectPrefs bool
}

type Dispatcher struct {
	mu       sync.RWMutex
	channels []registration
	closed   bool
	wg       sync.WaitGroup

	prefs   *Preferences
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func New(prefs *Preferences, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if prefs == nil {
		prefs = NewPreferences()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{prefs: prefs, timeout: timeout, log: log, now: time.Now}
}

// Register adds a channel. User-facing channels pass respectPrefs so a user's
// disabled categories are skipped; audit channels receive everything.
func (d *Dispatcher) Register(ch Channel, respectPrefs bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, registration{ch: ch, respectPrefs: respectPrefs})
}

// Emit stamps the event and hands it to every channel in the background.
// Delivery errors are logged and counted, never returned.
func (d *Dispatcher) Emit(ctx context.Context, ev models.Event) {
	if ev.RecipientID == "" {
		d.log.Warn("dropping event without recipient", zap.String("type", string(ev.Type)))
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now()
	}
	category := ev.Type.Category()
	enabled := d.prefs.Enabled(ev.RecipientID, category)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, reg := range d.channels {
		if reg.respectPrefs && !enabled {
			observability.NotificationsSuppressed.WithLabelValues(string(category)).Inc()
			continue
		}
		d.wg.Add(1)
		go d.deliver(context.WithoutCancel(ctx), reg.ch, ev)
	}
}

func (d *Dispatcher) deliver(parent context.Context, ch Channel, ev models.Event) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	err := ch.Deliver(ctx, ev)
	switch {
	case err == nil:
		observability.NotificationsDelivered.WithLabelValues(ch.Name(), "ok").Inc()
	case errors.Is(err, ErrNoSession):
		observability.NotificationsDelivered.WithLabelValues(ch.Name(), "offline").Inc()
	default:
		observability.NotificationsDelivered.WithLabelValues(ch.Name(), "error").Inc()
		d.log.Warn("notification delivery failed",
			zap.String("channel", ch.Name()),
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("recipient_id", ev.RecipientID),
			zap.Error(err))
	}
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
