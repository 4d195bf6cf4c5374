package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ride-share/internal/models"
)

// fakeUpdater implements InboxUpdater for tests
type fakeUpdater struct {
	mu    sync.Mutex
	fail  int // number of times to fail before succeeding
	calls int
	incrs map[string]map[models.Category]int
}

func (f *fakeUpdater) Incr(_ context.Context, userID string, c models.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis fail")
	}
	if f.incrs == nil {
		f.incrs = make(map[string]map[models.Category]int)
	}
	if f.incrs[userID] == nil {
		f.incrs[userID] = make(map[models.Category]int)
	}
	f.incrs[userID][c]++
	return nil
}

func TestUpdateInboxWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	ev := &models.Event{Type: models.EventMessageReceived, RecipientID: "u1"}
	start := time.Now()
	require.NoError(t, updateInboxWithRetry(context.Background(), f, ev, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, 1, f.incrs["u1"][models.CategoryMessages])
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUpdateInboxWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	ev := &models.Event{Type: models.EventRequestCreated, RecipientID: "u1"}
	assert.Error(t, updateInboxWithRetry(context.Background(), f, ev, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestUpdateInboxWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateInboxWithRetry(ctx, f, &models.Event{Type: models.EventRideCompleted, RecipientID: "u1"}, 3, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

// scriptedReader replays messages, then blocks until the context ends.
type scriptedReader struct {
	msgs []kafka.Message
	errs []error
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return kafka.Message{}, err
	}
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func encode(t *testing.T, ev models.Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.RecipientID), Value: b}
}

func TestConsumeCountsPerCategory(t *testing.T) {
	r := &scriptedReader{msgs: []kafka.Message{
		encode(t, models.Event{Type: models.EventRequestCreated, RecipientID: "driver"}),
		encode(t, models.Event{Type: models.EventMessageReceived, RecipientID: "rider"}),
		{Value: []byte("not json")},
		encode(t, models.Event{Type: models.EventRequestAccepted}),
		encode(t, models.Event{Type: models.EventRequestAccepted, RecipientID: "rider"}),
	}}
	f := &fakeUpdater{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, r, f, zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.incrs["driver"][models.CategoryRideRequests])
	assert.Equal(t, 1, f.incrs["rider"][models.CategoryMessages])
	assert.Equal(t, 1, f.incrs["rider"][models.CategoryRideUpdates])
}

func TestConsumeStopsDuringBackoff(t *testing.T) {
	r := &scriptedReader{errs: []error{errors.New("broker unavailable")}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, r, &fakeUpdater{}, zaptest.NewLogger(t)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}
