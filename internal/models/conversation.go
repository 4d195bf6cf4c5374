package models

import "time"

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank orders statuses so that transitions can be checked for monotonicity.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return 0
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Text           string        `json:"text"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`
	Seq            uint64        `json:"seq"`
	Timestamp      time.Time     `json:"timestamp"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participant_ids"`
	RideID         string    `json:"ride_id,omitempty"`
	Messages       []Message `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// ConversationSummary is the chat-list view of a conversation for one participant.
type ConversationSummary struct {
	Conversation
	PeerID      string   `json:"peer_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	Unread      int      `json:"unread"`
}
