package realtime

import (
	"encoding/json"
	"time"

	"tradepost/internal/app/dto"
)

// Client-to-server event names.
const (
	EventJoin     = "join"
	EventLeave    = "leave"
	EventMessage  = "message"
	EventRead     = "read"
	EventTyping   = "typing"
	EventLocation = "location"
)

// Server-to-client event names.
const (
	EventOnlineUsers = "online_users"
	EventNewMessage  = "new_message"
	EventReadReceipt = "read_receipt"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
	EventTypingRelay = "typing"
	EventJoined      = "joined"
	EventLeft        = "left"
	EventError       = "error"
)

// Envelope is the inbound wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is the frame pushed to clients.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type joinRequest struct {
	ConversationID string `json:"conversation_id"`
}

type sendRequest struct {
	ConversationID string           `json:"conversation_id"`
	Content        string           `json:"content"`
	Type           string           `json:"type,omitempty"`
	Attachments    []dto.Attachment `json:"attachments,omitempty"`
}

type readRequest struct {
	ConversationID string `json:"conversation_id"`
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type locationRequest struct {
	ConversationID string  `json:"conversation_id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

type readReceiptPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

type presencePayload struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

type ackPayload struct {
	ConversationID string `json:"conversation_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
