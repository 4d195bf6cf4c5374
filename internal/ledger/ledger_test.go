package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ride-share/internal/catalog"
	"github.com/example/ride-share/internal/messaging"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/storage"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeNotifier) Emit(_ context.Context, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) ofType(t models.EventType) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeHistory struct {
	mu       sync.Mutex
	recorded []string
}

func (f *fakeHistory) RecordCancelled(_ context.Context, req models.RideRequest, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, req.ID)
	return "h-" + req.ID, nil
}

type flakyStore struct {
	*storage.MemoryStore
	failAccept atomic.Bool
}

func (f *flakyStore) CommitAcceptance(ctx context.Context, ride *models.Ride, req *models.RideRequest, conv *models.Conversation) error {
	if f.failAccept.Load() {
		return errors.New("tx aborted")
	}
	return f.MemoryStore.CommitAcceptance(ctx, ride, req, conv)
}

type fixture struct {
	cat      *catalog.Catalog
	ledger   *Ledger
	store    *flakyStore
	notifier *fakeNotifier
	convs    *messaging.Relay
	history  *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	cat := catalog.New(store, log)
	f := &fixture{cat: cat, store: store, notifier: &fakeNotifier{}, history: &fakeHistory{}}
	f.convs = messaging.New(store, nil, log)
	f.ledger = New(cat, f.convs, f.history, store, f.notifier, log)
	cat.SetCanceller(f.ledger)
	return f
}

func (f *fixture) publish(t *testing.T, seats int) string {
	t.Helper()
	id, err := f.cat.Publish(context.Background(), models.Ride{
		DriverID:     "driver",
		Origin:       "Lisbon",
		Destination:  "Porto",
		DepartureAt:  time.Now().Add(24 * time.Hour),
		TotalSeats:   seats,
		PricePerSeat: 1250,
		Currency:     "eur",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) ride(t *testing.T, id string) models.Ride {
	t.Helper()
	r, err := f.cat.Get(id)
	require.NoError(t, err)
	return r
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 3)

	id, err := f.ledger.Submit(ctx, rideID, "p1", 2, " window seat please ")
	require.NoError(t, err)

	req, err := f.ledger.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, "window seat please", req.Message)
	assert.Nil(t, req.DecidedAt)
	assert.Equal(t, 3, f.ride(t, rideID).AvailableSeats, "submitting reserves nothing")

	created := f.notifier.ofType(models.EventRequestCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "driver", created[0].RecipientID)
	assert.Equal(t, id, created[0].RequestID)

	_, err = f.ledger.Submit(ctx, rideID, "p1", 1, "")
	assert.ErrorIs(t, err, models.ErrDuplicateRequest)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 2)

	_, err := f.ledger.Submit(ctx, rideID, "p1", 0, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.ledger.Submit(ctx, rideID, "driver", 1, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.ledger.Submit(ctx, rideID, "p1", 3, "")
	assert.ErrorIs(t, err, models.ErrCapacity)

	_, err = f.ledger.Submit(ctx, "nope", "p1", 1, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, f.cat.MarkDeparted(ctx, rideID))
	_, err = f.ledger.Submit(ctx, rideID, "p1", 1, "")
	assert.ErrorIs(t, err, models.ErrCapacity)

	assert.Empty(t, f.ledger.ListByRide(rideID))
}

func TestAcceptReservesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 3)
	id, err := f.ledger.Submit(ctx, rideID, "p1", 3, "")
	require.NoError(t, err)

	require.NoError(t, f.ledger.Accept(ctx, id))

	r := f.ride(t, rideID)
	assert.Equal(t, 0, r.AvailableSeats)
	assert.Equal(t, models.RideFull, r.Status)

	req, _ := f.ledger.Get(id)
	assert.Equal(t, models.RequestAccepted, req.Status)
	assert.NotNil(t, req.DecidedAt)
	require.NotEmpty(t, req.ConversationID)
	conv, err := f.convs.Conversation(req.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"driver", "p1"}, conv.ParticipantIDs)
	_, ok := f.store.Conversation(req.ConversationID)
	assert.True(t, ok, "conversation persisted with the booking")

	persisted, ok := f.store.Request(id)
	require.True(t, ok)
	assert.Equal(t, models.RequestAccepted, persisted.Status)

	accepted := f.notifier.ofType(models.EventRequestAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "p1", accepted[0].RecipientID)
	assert.Equal(t, int64(3*1250), accepted[0].AmountMinor)
	assert.Equal(t, "eur", accepted[0].Currency)

	assert.ErrorIs(t, f.ledger.Accept(ctx, id), models.ErrInvalidState)
	assert.ErrorIs(t, f.ledger.Decline(ctx, id, "changed my mind"), models.ErrInvalidState)
	assert.ErrorIs(t, f.ledger.Cancel(ctx, id), models.ErrInvalidState)
}

func TestAcceptCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 3)
	a, _ := f.ledger.Submit(ctx, rideID, "p1", 2, "")
	b, _ := f.ledger.Submit(ctx, rideID, "p2", 2, "")

	require.NoError(t, f.ledger.Accept(ctx, a))
	assert.ErrorIs(t, f.ledger.Accept(ctx, b), models.ErrCapacity)

	req, _ := f.ledger.Get(b)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, 1, f.ride(t, rideID).AvailableSeats)
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 1)

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		id, err := f.ledger.Submit(ctx, rideID, fmt.Sprintf("p%d", i), 1, "")
		require.NoError(t, err)
		ids[i] = id
	}

	var wins, capacity atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			err := f.ledger.Accept(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrCapacity):
				capacity.Add(1)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), capacity.Load())
	r := f.ride(t, rideID)
	assert.Equal(t, 0, r.AvailableSeats)
	assert.Equal(t, models.RideFull, r.Status)
}

func TestAcceptStoreFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 2)
	id, _ := f.ledger.Submit(ctx, rideID, "p1", 2, "")

	f.store.failAccept.Store(true)
	err := f.ledger.Accept(ctx, id)
	require.Error(t, err)
	assert.Empty(t, models.KindOf(err))

	req, _ := f.ledger.Get(id)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, 2, f.ride(t, rideID).AvailableSeats)
	assert.Empty(t, f.notifier.ofType(models.EventRequestAccepted))
	assert.Empty(t, f.convs.Conversations("driver"))
	assert.Empty(t, f.convs.Conversations("p1"))
	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Conversations)

	f.store.failAccept.Store(false)
	require.NoError(t, f.ledger.Accept(ctx, id))
	req, _ = f.ledger.Get(id)
	assert.Len(t, f.convs.Conversations("driver"), 1)
	_, ok := f.store.Conversation(req.ConversationID)
	assert.True(t, ok)
}

func TestAcceptReusesExistingConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, err := f.convs.OpenConversation(ctx, "p1", "driver", "")
	require.NoError(t, err)

	rideID := f.publish(t, 2)
	id, _ := f.ledger.Submit(ctx, rideID, "p1", 1, "")
	require.NoError(t, f.ledger.Accept(ctx, id))

	req, _ := f.ledger.Get(id)
	assert.Equal(t, existing, req.ConversationID)
	assert.Len(t, f.convs.Conversations("driver"), 1)
}

func TestAcceptOnDepartedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 2)
	id, _ := f.ledger.Submit(ctx, rideID, "p1", 1, "")
	require.NoError(t, f.cat.MarkDeparted(ctx, rideID))

	assert.ErrorIs(t, f.ledger.Accept(ctx, id), models.ErrInvalidState)
}

func TestDeclineAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 3)
	a, _ := f.ledger.Submit(ctx, rideID, "p1", 1, "")
	b, _ := f.ledger.Submit(ctx, rideID, "p2", 1, "")

	require.NoError(t, f.ledger.Decline(ctx, a, " no luggage space "))
	require.NoError(t, f.ledger.Cancel(ctx, b))

	ra, _ := f.ledger.Get(a)
	assert.Equal(t, models.RequestDeclined, ra.Status)
	assert.Equal(t, "no luggage space", ra.Reason)
	rb, _ := f.ledger.Get(b)
	assert.Equal(t, models.RequestCancelled, rb.Status)

	declined := f.notifier.ofType(models.EventRequestDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, "p1", declined[0].RecipientID)
	cancelled := f.notifier.ofType(models.EventRequestCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "driver", cancelled[0].RecipientID)

	assert.Equal(t, 3, f.ride(t, rideID).AvailableSeats)

	// A declined passenger may ask again.
	_, err := f.ledger.Submit(ctx, rideID, "p1", 1, "")
	assert.NoError(t, err)
}

func TestRideCancellationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rideID := f.publish(t, 3)
	pending, _ := f.ledger.Submit(ctx, rideID, "p1", 1, "")
	accepted, _ := f.ledger.Submit(ctx, rideID, "p2", 2, "")
	require.NoError(t, f.ledger.Accept(ctx, accepted))
	require.Equal(t, 1, f.ride(t, rideID).AvailableSeats)

	require.NoError(t, f.cat.Cancel(ctx, rideID))

	for _, id := range []string{pending, accepted} {
		req, _ := f.ledger.Get(id)
		assert.Equal(t, models.RequestDeclined, req.Status, id)
		assert.Equal(t, ReasonRideCancelled, req.Reason)
		persisted, _ := f.store.Request(id)
		assert.Equal(t, models.RequestDeclined, persisted.Status)
	}
	r := f.ride(t, rideID)
	assert.Equal(t, models.RideCancelled, r.Status)
	assert.Equal(t, 3, r.AvailableSeats)
	assert.Equal(t, []string{accepted}, f.history.recorded)

	declined := f.notifier.ofType(models.EventRequestDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, "p1", declined[0].RecipientID)
	rideCancelled := f.notifier.ofType(models.EventRideCancelled)
	require.Len(t, rideCancelled, 1)
	assert.Equal(t, "p2", rideCancelled[0].RecipientID)

	// Re-running the cascade is a no-op.
	require.NoError(t, f.ledger.CancelByRide(ctx, rideID))
	assert.Len(t, f.notifier.ofType(models.EventRequestDeclined), 1)
	assert.Len(t, f.history.recorded, 1)
}

func TestCancelByRideRequiresCancelledRide(t *testing.T) {
	f := newFixture(t)
	rideID := f.publish(t, 1)
	assert.ErrorIs(t, f.ledger.CancelByRide(context.Background(), rideID), models.ErrInvalidState)
}

func TestListsAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.publish(t, 2)
	r2 := f.publish(t, 2)
	_, _ = f.ledger.Submit(ctx, r1, "p1", 1, "")
	_, _ = f.ledger.Submit(ctx, r2, "p1", 1, "")
	_, _ = f.ledger.Submit(ctx, r1, "p2", 1, "")

	assert.Len(t, f.ledger.ListByRide(r1), 2)
	assert.Len(t, f.ledger.ListByPassenger("p1"), 2)
	assert.Empty(t, f.ledger.ListByPassenger("nobody"))

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	restored := New(f.cat, f.convs, nil, f.store, nil, nil)
	restored.Restore(snap.Requests)
	assert.Len(t, restored.ListByRide(r1), 2)
	assert.Len(t, restored.ListByPassenger("p1"), 2)
}
