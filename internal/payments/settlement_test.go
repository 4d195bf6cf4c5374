package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ride-share/internal/models"
)

type fakeGateway struct {
	mu        sync.Mutex
	holds     []HoldRequest
	captured  []string
	cancelled []string
	failNext  error
}

func (f *fakeGateway) Hold(_ context.Context, h HoldRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return "", err
	}
	f.holds = append(f.holds, h)
	return "pi_" + h.RequestID, nil
}

func (f *fakeGateway) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeGateway) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func accepted(reqID string, amount int64) models.Event {
	return models.Event{Type: models.EventRequestAccepted, RecipientID: "rider", RideID: "ride-1", RequestID: reqID, AmountMinor: amount}
}

func TestHoldThenCapture(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, accepted("r1", 3000)))
	require.NoError(t, s.Deliver(ctx, accepted("r1", 3000)))
	require.Len(t, gw.holds, 1)
	assert.Equal(t, "usd", gw.holds[0].Currency)
	assert.Equal(t, int64(3000), gw.holds[0].AmountMinor)

	id, ok := s.Pending("r1")
	require.True(t, ok)
	assert.Equal(t, "pi_r1", id)

	require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventRideCompleted, RecipientID: "rider", RequestID: "r1"}))
	assert.Equal(t, []string{"pi_r1"}, gw.captured)
	_, ok = s.Pending("r1")
	assert.False(t, ok)
}

func TestReleaseOnDeclineOrCancellation(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, accepted("r1", 1000)))
	require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventRideCancelled, RecipientID: "rider", RequestID: "r1"}))
	// A pending request never had a hold, so its decline is a no-op.
	require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventRequestDeclined, RecipientID: "rider", RequestID: "r2"}))

	assert.Equal(t, []string{"pi_r1"}, gw.cancelled)
	assert.Empty(t, gw.captured)
}

func TestFreeRidesAndOtherEventsAreIgnored(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, accepted("r1", 0)))
	require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventMessageReceived, RecipientID: "rider"}))
	assert.Empty(t, gw.holds)
}

func TestFailedCaptureKeepsHold(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, s.Deliver(ctx, accepted("r1", 1000)))

	gw.failNext = errors.New("card_declined")
	completed := models.Event{Type: models.EventRideCompleted, RecipientID: "rider", RequestID: "r1"}
	require.Error(t, s.Deliver(ctx, completed))
	_, ok := s.Pending("r1")
	assert.True(t, ok)

	require.NoError(t, s.Deliver(ctx, completed))
	assert.Equal(t, []string{"pi_r1"}, gw.captured)
}

type blockingGateway struct {
	fakeGateway
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingGateway) Hold(ctx context.Context, h HoldRequest) (string, error) {
	close(b.entered)
	<-b.proceed
	return b.fakeGateway.Hold(ctx, h)
}

func TestReleaseDuringSlowHoldCancelsIt(t *testing.T) {
	gw := &blockingGateway{entered: make(chan struct{}), proceed: make(chan struct{})}
	s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
	ctx := context.Background()

	holdDone := make(chan error, 1)
	go func() { holdDone <- s.Deliver(ctx, accepted("r1", 2000)) }()
	<-gw.entered

	releaseDone := make(chan error, 1)
	go func() {
		releaseDone <- s.Deliver(ctx, models.Event{Type: models.EventRideCancelled, RecipientID: "rider", RequestID: "r1"})
	}()
	select {
	case <-releaseDone:
		t.Fatal("release finished while the hold was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gw.proceed)
	require.NoError(t, <-holdDone)
	require.NoError(t, <-releaseDone)

	_, open := s.Pending("r1")
	assert.False(t, open)
	assert.Equal(t, []string{"pi_r1"}, gw.cancelled)
}

func TestSettleBeforeHold(t *testing.T) {
	ctx := context.Background()

	t.Run("Release Skips Hold", func(t *testing.T) {
		gw := &fakeGateway{}
		s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
		require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventRideCancelled, RecipientID: "rider", RequestID: "r1"}))
		require.NoError(t, s.Deliver(ctx, accepted("r1", 1500)))

		assert.Empty(t, gw.holds)
		_, open := s.Pending("r1")
		assert.False(t, open)
	})

	t.Run("Capture Applies After Hold", func(t *testing.T) {
		gw := &fakeGateway{}
		s := NewSettlement(gw, "usd", zaptest.NewLogger(t))
		require.NoError(t, s.Deliver(ctx, models.Event{Type: models.EventRideCompleted, RecipientID: "rider", RequestID: "r1"}))
		require.NoError(t, s.Deliver(ctx, accepted("r1", 1500)))

		require.Len(t, gw.holds, 1)
		assert.Equal(t, []string{"pi_r1"}, gw.captured)
		_, open := s.Pending("r1")
		assert.False(t, open)
	})
}
