package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-share/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaProducerDeliver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}

	ev := models.Event{ID: "e1", Type: models.EventRequestAccepted, RecipientID: "rider", AmountMinor: 2500, Currency: "eur"}
	require.NoError(t, p.Deliver(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "rider", string(w.msgs[0].Key))
	assert.Equal(t, "request_accepted", string(w.msgs[0].Headers[0].Value))

	var got models.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev, got)

	w.err = errors.New("leader not available")
	assert.Error(t, p.Deliver(context.Background(), ev))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

type fakeConn struct {
	subjects []string
	flushed  int
}

func (f *fakeConn) Publish(subject string, _ []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	f.flushed++
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{conn: conn, prefix: "rideshare.events"}

	require.NoError(t, p.Deliver(context.Background(), models.Event{Type: models.EventMessageReceived, RecipientID: "u"}))
	require.NoError(t, p.Deliver(context.Background(), models.Event{Type: models.EventRideCancelled, RecipientID: "u"}))

	assert.Equal(t, []string{"rideshare.events.message_received", "rideshare.events.ride_cancelled"}, conn.subjects)
	assert.Equal(t, 2, conn.flushed)
	assert.NoError(t, p.Close())
}
