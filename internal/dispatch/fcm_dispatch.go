package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-share/internal/models"
)

// FCMDispatcher posts JSON to an FCM HTTP v1 style endpoint. Each user is
// addressed through the topic "user-<id>", which their devices subscribe to.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Name() string { return "push" }

type fcmEnvelope struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

var pushTitles = map[models.EventType]string{
	models.EventRequestCreated:   "New ride request",
	models.EventRequestAccepted:  "Request accepted",
	models.EventRequestDeclined:  "Request declined",
	models.EventRequestCancelled: "Request withdrawn",
	models.EventRideCancelled:    "Ride cancelled",
	models.EventRideCompleted:    "Trip completed",
	models.EventMessageReceived:  "New message",
}

func (f *FCMDispatcher) Deliver(ctx context.Context, ev models.Event) error {
	data := map[string]string{"event_id": ev.ID, "type": string(ev.Type)}
	for k, v := range map[string]string{
		"ride_id":         ev.RideID,
		"request_id":      ev.RequestID,
		"conversation_id": ev.ConversationID,
		"message_id":      ev.MessageID,
	} {
		if v != "" {
			data[k] = v
		}
	}
	body := fcmEnvelope{Message: fcmMessage{
		Topic:        "user-" + ev.RecipientID,
		Notification: fcmNotification{Title: pushTitles[ev.Type], Body: ev.Reason},
		Data:         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: unexpected status %d", resp.StatusCode)
	}
	return nil
}
