package storage

import (
	"context"
	"sync"

	"github.com/example/ride-share/internal/models"
)

// MemoryStore keeps copies of everything written to it. It is the default
// store when no PG_DSN is configured and doubles as a recorder in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]models.Ride
	requests      map[string]models.RideRequest
	history       map[string]models.HistoryEntry
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	order         []string // message ids in write order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]models.Ride),
		requests:      make(map[string]models.RideRequest),
		history:       make(map[string]models.HistoryEntry),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	return m.SaveRide(ctx, r)
}

func (m *MemoryStore) SaveRequest(_ context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req *models.RideRequest) error {
	return m.SaveRequest(ctx, req)
}

func (m *MemoryStore) CommitAcceptance(_ context.Context, ride *models.Ride, req *models.RideRequest, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv != nil {
		cp := *conv
		cp.Messages = nil
		m.conversations[conv.ID] = cp
	}
	m.rides[ride.ID] = *ride
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) CommitCancellation(_ context.Context, ride *models.Ride, reqs []models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = *ride
	for _, r := range reqs {
		m.requests[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) SaveHistory(_ context.Context, h *models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	cp.Ratings = append([]models.Rating(nil), h.Ratings...)
	m.history[h.ID] = cp
	return nil
}

func (m *MemoryStore) SaveRating(_ context.Context, entryID string, r models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[entryID]
	if !ok {
		return models.Errorf(models.KindNotFound, "history entry %s not found", entryID)
	}
	h.Ratings = append(append([]models.Rating(nil), h.Ratings...), r)
	m.history[entryID] = h
	return nil
}

func (m *MemoryStore) SaveConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Messages = nil
	m.conversations[c.ID] = cp
	return nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	m.messages[msg.ID] = *msg
	return nil
}

func (m *MemoryStore) UpdateMessageStatus(_ context.Context, messageID string, status models.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return models.Errorf(models.KindNotFound, "message %s not found", messageID)
	}
	msg.Status = status
	m.messages[messageID] = msg
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &Snapshot{}
	for _, r := range m.rides {
		snap.Rides = append(snap.Rides, r)
	}
	for _, r := range m.requests {
		snap.Requests = append(snap.Requests, r)
	}
	for _, h := range m.history {
		snap.History = append(snap.History, h)
	}
	byConv := make(map[string][]models.Message)
	for _, id := range m.order {
		msg := m.messages[id]
		byConv[msg.ConversationID] = append(byConv[msg.ConversationID], msg)
	}
	for _, c := range m.conversations {
		c.Messages = byConv[c.ID]
		snap.Conversations = append(snap.Conversations, c)
	}
	return snap, nil
}

func (m *MemoryStore) Close() error { return nil }

// Ride returns the last persisted copy of a ride.
func (m *MemoryStore) Ride(id string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

// Request returns the last persisted copy of a request.
func (m *MemoryStore) Request(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok
}

// Conversation returns the last persisted copy of a conversation.
func (m *MemoryStore) Conversation(id string) (models.Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok
}

// Message returns the last persisted copy of a message.
func (m *MemoryStore) Message(id string) (models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok
}
