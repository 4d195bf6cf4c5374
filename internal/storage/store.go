package storage

import (
	"context"

	"github.com/example/ride-share/internal/models"
)

// RideStore persists rides owned by the Ride Catalog.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
}

// RequestStore persists ride requests. Commit* methods write the ride and its
// requests in one transaction; CommitAcceptance also inserts conv when it is
// not nil.
type RequestStore interface {
	SaveRequest(ctx context.Context, req *models.RideRequest) error
	UpdateRequest(ctx context.Context, req *models.RideRequest) error
	CommitAcceptance(ctx context.Context, ride *models.Ride, req *models.RideRequest, conv *models.Conversation) error
	CommitCancellation(ctx context.Context, ride *models.Ride, reqs []models.RideRequest) error
}

type HistoryStore interface {
	SaveHistory(ctx context.Context, h *models.HistoryEntry) error
	SaveRating(ctx context.Context, entryID string, r models.Rating) error
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, c *models.Conversation) error
	SaveMessage(ctx context.Context, m *models.Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus) error
}

// Snapshot is the full persisted state, used to warm the in-memory components on start.
type Snapshot struct {
	Rides         []models.Ride
	Requests      []models.RideRequest
	History       []models.HistoryEntry
	Conversations []models.Conversation
}

// Store is the persistence collaborator for every component.
type Store interface {
	RideStore
	RequestStore
	HistoryStore
	ConversationStore
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}
