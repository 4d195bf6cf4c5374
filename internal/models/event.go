package models

import "time"

type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventRequestAccepted  EventType = "request_accepted"
	EventRequestDeclined  EventType = "request_declined"
	EventRequestCancelled EventType = "request_cancelled"
	EventRideCancelled    EventType = "ride_cancelled"
	EventRideCompleted    EventType = "ride_completed"
	EventMessageReceived  EventType = "message_received"
)

// Category groups event types for notification preferences.
type Category string

const (
	CategoryRideRequests Category = "ride_requests"
	CategoryRideUpdates  Category = "ride_updates"
	CategoryMessages     Category = "messages"
)

var Categories = []Category{CategoryRideRequests, CategoryRideUpdates, CategoryMessages}

func (t EventType) Category() Category {
	switch t {
	case EventRequestCreated, EventRequestCancelled:
		return CategoryRideRequests
	case EventMessageReceived:
		return CategoryMessages
	default:
		return CategoryRideUpdates
	}
}

// Event is a lifecycle notification addressed to a single user.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	RecipientID    string    `json:"recipient_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	RideID         string    `json:"ride_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	AmountMinor    int64     `json:"amount_minor,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
