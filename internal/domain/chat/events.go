package chat

import "time"

// Event types published to the broker for the notification pipeline.
const (
	EventConversationCreated = "chat.conversation.created"
	EventMessageCreated      = "chat.message.created"
	EventConversationRead    = "chat.conversation.read"
)

type ConversationCreated struct {
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Participants   []string  `json:"participants"`
	RelatedOrder   string    `json:"related_order,omitempty"`
	At             time.Time `json:"at"`
}

type MessageCreated struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Type           string    `json:"type"`
	Recipients     []string  `json:"recipients"`
	At             time.Time `json:"at"`
}

type ConversationRead struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}
