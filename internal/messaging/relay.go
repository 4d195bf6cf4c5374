// Package messaging relays chat messages between a driver and a passenger.
package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/keylock"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

const (
	MaxTextLen     = 2000
	maxAttachments = 10
)

type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

type Relay struct {
	mu       sync.RWMutex
	convs    map[string]*models.Conversation
	byPair   map[string]string
	byUser   map[string][]string
	messages map[string]string // message id -> conversation id
	locks    *keylock.Map

	store    storage.ConversationStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(store storage.ConversationStore, notifier Notifier, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		convs:    make(map[string]*models.Conversation),
		byPair:   make(map[string]string),
		byUser:   make(map[string][]string),
		messages: make(map[string]string),
		locks:    keylock.New(),
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

func sortedPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

func pairKey(p [2]string) string { return p[0] + "|" + p[1] }

func (r *Relay) Restore(convs []models.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = make(map[string]*models.Conversation, len(convs))
	r.byPair = make(map[string]string, len(convs))
	r.byUser = make(map[string][]string)
	r.messages = make(map[string]string)
	for i := range convs {
		c := convs[i]
		c.Messages = append([]models.Message(nil), c.Messages...)
		sort.Slice(c.Messages, func(a, b int) bool { return c.Messages[a].Seq < c.Messages[b].Seq })
		r.insertLocked(&c)
		for _, m := range c.Messages {
			r.messages[m.ID] = c.ID
		}
	}
}

func (r *Relay) insertLocked(c *models.Conversation) {
	r.convs[c.ID] = c
	r.byPair[pairKey(c.ParticipantIDs)] = c.ID
	r.byUser[c.ParticipantIDs[0]] = append(r.byUser[c.ParticipantIDs[0]], c.ID)
	r.byUser[c.ParticipantIDs[1]] = append(r.byUser[c.ParticipantIDs[1]], c.ID)
}

// OpenConversation returns the conversation between two users, creating it on
// first use. The pair is unordered.
func (r *Relay) OpenConversation(ctx context.Context, userA, userB, rideID string) (string, error) {
	c, isNew, release, err := r.ReserveConversation(ctx, userA, userB, rideID)
	if err != nil {
		return "", err
	}
	if isNew {
		if err := r.store.SaveConversation(ctx, &c); err != nil {
			release(false)
			return "", fmt.Errorf("save conversation: %w", err)
		}
	}
	release(true)
	return c.ID, nil
}

// ReserveConversation holds the pair until release is called. When isNew is
// true the returned conversation is not persisted yet: the caller saves it and
// reports the outcome through release, and only a committed conversation
// becomes visible.
func (r *Relay) ReserveConversation(ctx context.Context, userA, userB, rideID string) (c models.Conversation, isNew bool, release func(committed bool), err error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return c, false, nil, models.Errorf(models.KindValidation, "both participants are required")
	}
	if userA == userB {
		return c, false, nil, models.Errorf(models.KindValidation, "a conversation needs two distinct users")
	}
	if err := ctx.Err(); err != nil {
		return c, false, nil, err
	}
	pair := sortedPair(userA, userB)
	key := pairKey(pair)

	unlock := r.locks.Lock("pair:" + key)

	r.mu.RLock()
	id, ok := r.byPair[key]
	if ok {
		c = *r.convs[id]
		c.Messages = nil
	}
	r.mu.RUnlock()

	var once sync.Once
	if ok {
		return c, false, func(bool) { once.Do(unlock) }, nil
	}

	now := r.now()
	c = models.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: pair,
		RideID:         rideID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created := c
	release = func(committed bool) {
		once.Do(func() {
			defer unlock()
			if !committed {
				return
			}
			r.mu.Lock()
			r.insertLocked(&created)
			r.mu.Unlock()
			observability.Conversations.Inc()
			r.log.Info("conversation opened", zap.String("conversation_id", created.ID), zap.String("ride_id", rideID))
		})
	}
	return c, true, release, nil
}

func (r *Relay) conversation(id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "conversation %s not found", id)
	}
	return c, nil
}

// Conversation returns the conversation without its messages.
func (r *Relay) Conversation(id string) (models.Conversation, error) {
	c, err := r.conversation(id)
	if err != nil {
		return models.Conversation{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *c
	cp.Messages = nil
	return cp, nil
}

func validateContent(text string, attachments []models.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return models.Errorf(models.KindValidation, "a message needs text or an attachment")
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return models.Errorf(models.KindValidation, "text exceeds %d characters", MaxTextLen)
	}
	if len(attachments) > maxAttachments {
		return models.Errorf(models.KindValidation, "at most %d attachments per message", maxAttachments)
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.URL) == "" {
			return models.Errorf(models.KindValidation, "attachment url is required")
		}
	}
	return nil
}

// Send appends a message to the conversation and notifies the other participant.
func (r *Relay) Send(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (string, error) {
	if err := validateContent(text, attachments); err != nil {
		return "", err
	}

	msg, peer, err := r.appendMessage(ctx, conversationID, senderID, text, attachments)
	if err != nil {
		return "", err
	}

	observability.MessagesSent.Inc()
	if r.notifier != nil {
		r.notifier.Emit(ctx, models.Event{
			Type:           models.EventMessageReceived,
			RecipientID:    peer,
			ActorID:        senderID,
			ConversationID: conversationID,
			MessageID:      msg.ID,
		})
	}
	return msg.ID, nil
}

func (r *Relay) appendMessage(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (models.Message, string, error) {
	unlock := r.locks.Lock("conv:" + conversationID)
	defer unlock()

	c, err := r.conversation(conversationID)
	if err != nil {
		return models.Message{}, "", err
	}
	if !c.HasParticipant(senderID) {
		return models.Message{}, "", models.Errorf(models.KindNotParticipant, "user %s is not part of conversation %s", senderID, conversationID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, "", fmt.Errorf("message id: %w", err)
	}
	r.mu.RLock()
	seq := uint64(1)
	ts := r.now()
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		seq = last.Seq + 1
		if ts.Before(last.Timestamp) {
			ts = last.Timestamp
		}
	}
	r.mu.RUnlock()

	msg := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    append([]models.Attachment(nil), attachments...),
		Status:         models.MessageSent,
		Seq:            seq,
		Timestamp:      ts,
	}
	if err := r.store.SaveMessage(ctx, &msg); err != nil {
		return models.Message{}, "", fmt.Errorf("save message: %w", err)
	}

	r.mu.Lock()
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = ts
	r.messages[msg.ID] = conversationID
	r.mu.Unlock()
	return msg, c.Peer(senderID), nil
}

// Message returns a single message by id.
func (r *Relay) Message(messageID string) (models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convID, ok := r.messages[messageID]
	if !ok {
		return models.Message{}, models.Errorf(models.KindNotFound, "message %s not found", messageID)
	}
	for _, m := range r.convs[convID].Messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, models.Errorf(models.KindNotFound, "message %s not found", messageID)
}

func (r *Relay) MarkDelivered(ctx context.Context, messageID string) error {
	return r.advance(ctx, messageID, models.MessageDelivered)
}

func (r *Relay) MarkRead(ctx context.Context, messageID string) error {
	return r.advance(ctx, messageID, models.MessageRead)
}

// advance moves a message forward to status; it never moves backwards.
func (r *Relay) advance(ctx context.Context, messageID string, status models.MessageStatus) error {
	r.mu.RLock()
	convID, ok := r.messages[messageID]
	r.mu.RUnlock()
	if !ok {
		return models.Errorf(models.KindNotFound, "message %s not found", messageID)
	}

	unlock := r.locks.Lock("conv:" + convID)
	defer unlock()

	c, err := r.conversation(convID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	idx := -1
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	var current models.MessageStatus
	if idx >= 0 {
		current = c.Messages[idx].Status
	}
	r.mu.RUnlock()
	if idx < 0 {
		return models.Errorf(models.KindNotFound, "message %s not found", messageID)
	}
	if current.Rank() >= status.Rank() {
		return nil
	}

	if err := r.store.UpdateMessageStatus(ctx, messageID, status); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	r.mu.Lock()
	c.Messages[idx].Status = status
	r.mu.Unlock()
	return nil
}

// Messages returns the conversation's messages in sequence order.
func (r *Relay) Messages(conversationID, viewerID string) ([]models.Message, error) {
	c, err := r.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewerID) {
		return nil, models.Errorf(models.KindNotParticipant, "user %s is not part of conversation %s", viewerID, conversationID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(make([]models.Message, 0, len(c.Messages)), c.Messages...), nil
}

// Conversations lists the user's conversations, most recently active first.
func (r *Relay) Conversations(userID string) []models.ConversationSummary {
	r.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(r.byUser[userID]))
	for _, id := range r.byUser[userID] {
		c := r.convs[id]
		s := models.ConversationSummary{Conversation: *c, PeerID: c.Peer(userID)}
		s.Messages = nil
		if n := len(c.Messages); n > 0 {
			last := c.Messages[n-1]
			s.LastMessage = &last
		}
		for _, m := range c.Messages {
			if m.SenderID != userID && m.Status != models.MessageRead {
				s.Unread++
			}
		}
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkConversationRead marks every message the reader received as read and
// reports how many changed.
func (r *Relay) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int, error) {
	unlock := r.locks.Lock("conv:" + conversationID)
	defer unlock()

	c, err := r.conversation(conversationID)
	if err != nil {
		return 0, err
	}
	if !c.HasParticipant(readerID) {
		return 0, models.Errorf(models.KindNotParticipant, "user %s is not part of conversation %s", readerID, conversationID)
	}

	r.mu.RLock()
	var pending []int
	for i, m := range c.Messages {
		if m.SenderID != readerID && m.Status != models.MessageRead {
			pending = append(pending, i)
		}
	}
	r.mu.RUnlock()

	changed := 0
	for _, i := range pending {
		r.mu.RLock()
		id := c.Messages[i].ID
		r.mu.RUnlock()
		if err := r.store.UpdateMessageStatus(ctx, id, models.MessageRead); err != nil {
			return changed, fmt.Errorf("update message status: %w", err)
		}
		r.mu.Lock()
		c.Messages[i].Status = models.MessageRead
		r.mu.Unlock()
		changed++
	}
	return changed, nil
}
