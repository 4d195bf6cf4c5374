package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
)

// ErrNoSession reports that the recipient has no open in-app connection.
var ErrNoSession = errors.New("no ws session")

// WSSession is one connected client. Writes are serialized per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds the latest session of each connected user and is the
// in-app notification channel.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Name() string { return "ws" }

// Add registers conn for userID, replacing and closing any older session.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else {
		observability.WSSessions.Inc()
	}
}

// Remove drops the session if conn is still the current one for userID.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
		observability.WSSessions.Dec()
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Deliver(ctx context.Context, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[ev.RecipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, ev)
}
