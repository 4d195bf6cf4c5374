package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/storage"
)

type fakeRequests map[string]models.RideRequest

func (f fakeRequests) Get(id string) (models.RideRequest, error) {
	r, ok := f[id]
	if !ok {
		return models.RideRequest{}, models.Errorf(models.KindNotFound, "request %s not found", id)
	}
	return r, nil
}

type fakeRides map[string]models.Ride

func (f fakeRides) Get(id string) (models.Ride, error) {
	r, ok := f[id]
	if !ok {
		return models.Ride{}, models.Errorf(models.KindNotFound, "ride %s not found", id)
	}
	return r, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeNotifier) Emit(_ context.Context, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fixture struct {
	agg      *Aggregator
	store    *storage.MemoryStore
	notifier *fakeNotifier
	requests fakeRequests
	rides    fakeRides
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		notifier: &fakeNotifier{},
		requests: fakeRequests{},
		rides: fakeRides{
			"ride-departed": {ID: "ride-departed", DriverID: "d1", Status: models.RideDeparted, PricePerSeat: 800, Currency: "usd"},
			"ride-open":     {ID: "ride-open", DriverID: "d1", Status: models.RideOpen},
		},
	}
	f.agg = New(f.requests, f.rides, f.store, f.notifier, zaptest.NewLogger(t))
	return f
}

func (f *fixture) accepted(id, rideID, passenger string) models.RideRequest {
	r := models.RideRequest{ID: id, RideID: rideID, PassengerID: passenger, Seats: 2, Status: models.RequestAccepted}
	f.requests[id] = r
	return r
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted("r1", "ride-departed", "p1")

	id, err := f.agg.Complete(ctx, "r1")
	require.NoError(t, err)

	again, err := f.agg.Complete(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	entry, err := f.agg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCompleted, entry.Status)
	assert.Equal(t, "d1", entry.DriverID)
	assert.Equal(t, "p1", entry.PassengerID)

	require.Len(t, f.notifier.events, 1)
	ev := f.notifier.events[0]
	assert.Equal(t, models.EventRideCompleted, ev.Type)
	assert.Equal(t, "p1", ev.RecipientID)
	assert.Equal(t, int64(1600), ev.AmountMinor)
}

func TestCompleteRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted("not-departed", "ride-open", "p1")
	f.requests["pending"] = models.RideRequest{ID: "pending", RideID: "ride-departed", Status: models.RequestPending}

	_, err := f.agg.Complete(ctx, "not-departed")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.agg.Complete(ctx, "pending")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.agg.Complete(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, f.agg.History("p1", "", ""))
}

func TestRecordCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.accepted("r1", "ride-open", "p1")

	id, err := f.agg.RecordCancelled(ctx, req, "d1")
	require.NoError(t, err)
	again, err := f.agg.RecordCancelled(ctx, req, "d1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = f.agg.Complete(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	assert.ErrorIs(t, f.agg.Rate(ctx, id, "p1", models.RatingPositive), models.ErrInvalidState)
}

func TestRateOncePerRater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted("r1", "ride-departed", "p1")
	id, err := f.agg.Complete(ctx, "r1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.agg.Rate(ctx, id, "p1", "meh"), models.ErrValidation)
	assert.ErrorIs(t, f.agg.Rate(ctx, id, "stranger", models.RatingPositive), models.ErrNotParticipant)
	assert.ErrorIs(t, f.agg.Rate(ctx, "missing", "p1", models.RatingPositive), models.ErrNotFound)

	require.NoError(t, f.agg.Rate(ctx, id, "p1", models.RatingPositive))
	require.NoError(t, f.agg.Rate(ctx, id, "d1", models.RatingNegative))
	assert.ErrorIs(t, f.agg.Rate(ctx, id, "p1", models.RatingNegative), models.ErrAlreadyRated)

	entry, _ := f.agg.Get(id)
	r, ok := entry.RatingBy("p1")
	require.True(t, ok)
	assert.Equal(t, models.RatingPositive, r.Value, "first rating is kept")
	assert.Len(t, entry.Ratings, 2)
}

func TestConcurrentRatingsKeepOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted("r1", "ride-departed", "p1")
	id, _ := f.agg.Complete(ctx, "r1")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.agg.Rate(ctx, id, "p1", models.RatingPositive)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, models.ErrAlreadyRated)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestHistoryAndReputation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.agg.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	f.accepted("r1", "ride-departed", "p1")
	f.accepted("r2", "ride-departed", "p2")
	first, _ := f.agg.Complete(ctx, "r1")
	second, _ := f.agg.Complete(ctx, "r2")
	cancelled, _ := f.agg.RecordCancelled(ctx, f.accepted("r3", "ride-open", "p1"), "d1")

	got := f.agg.History("d1", models.RoleDriver, "")
	require.Len(t, got, 3)
	assert.Equal(t, cancelled, got[0].ID)
	assert.Equal(t, second, got[1].ID)
	assert.Equal(t, first, got[2].ID)

	got = f.agg.History("p1", "", models.HistoryCompleted)
	require.Len(t, got, 1)
	assert.Equal(t, first, got[0].ID)
	assert.Empty(t, f.agg.History("p1", models.RoleDriver, ""))

	require.NoError(t, f.agg.Rate(ctx, first, "p1", models.RatingPositive))
	require.NoError(t, f.agg.Rate(ctx, second, "p2", models.RatingNegative))
	require.NoError(t, f.agg.Rate(ctx, first, "d1", models.RatingPositive))

	assert.Equal(t, models.Reputation{UserID: "d1", Positive: 1, Negative: 1}, f.agg.Reputation("d1"))
	assert.Equal(t, models.Reputation{UserID: "p1", Positive: 1}, f.agg.Reputation("p1"))
	assert.Equal(t, models.Reputation{UserID: "p2"}, f.agg.Reputation("p2"))
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted("r1", "ride-departed", "p1")
	id, _ := f.agg.Complete(ctx, "r1")
	require.NoError(t, f.agg.Rate(ctx, id, "p1", models.RatingPositive))

	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	restored := New(f.requests, f.rides, f.store, nil, nil)
	restored.Restore(snap.History)

	again, err := restored.Complete(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.ErrorIs(t, restored.Rate(ctx, id, "p1", models.RatingNegative), models.ErrAlreadyRated)
}
