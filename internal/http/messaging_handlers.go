package httpapi

import (
	"net/http"

	"github.com/example/ride-share/internal/models"
)

type openConversationBody struct {
	PeerID string `json:"peer_id"`
	RideID string `json:"ride_id"`
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var in openConversationBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Relay.OpenConversation(r.Context(), userIDFromContext(r.Context()), in.PeerID, in.RideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.Relay.Conversation(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Relay.Conversations(userIDFromContext(r.Context())))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Relay.Messages(pathID(r), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageBody struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var in sendMessageBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Relay.Send(r.Context(), pathID(r), userIDFromContext(r.Context()), in.Text, in.Attachments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.Relay.Message(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReadConversation(w http.ResponseWriter, r *http.Request) {
	n, err := s.Relay.MarkConversationRead(r.Context(), pathID(r), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// handleMessageStatus lets the recipient of a message advance its status.
func (s *Server) handleMessageStatus(status models.MessageStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathID(r)
		msg, err := s.Relay.Message(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conv, err := s.Relay.Conversation(msg.ConversationID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		user := userIDFromContext(r.Context())
		if !conv.HasParticipant(user) {
			s.writeError(w, r, models.Errorf(models.KindNotParticipant, "user %s is not part of conversation %s", user, conv.ID))
			return
		}
		if msg.SenderID == user {
			s.writeError(w, r, models.Errorf(models.KindForbidden, "only the recipient can mark a message %s", status))
			return
		}

		if status == models.MessageRead {
			err = s.Relay.MarkRead(r.Context(), id)
		} else {
			err = s.Relay.MarkDelivered(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msg, err = s.Relay.Message(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}
