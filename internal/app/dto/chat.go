package dto

import (
	"time"

	domainchat "tradepost/internal/domain/chat"
	domainidentity "tradepost/internal/domain/identity"
)

// User is the expanded display shape of a participant reference.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Active    bool   `json:"active"`
}

// Participant combines membership metadata with the expanded user.
type Participant struct {
	User       User      `json:"user"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	Participants   []Participant `json:"participants"`
	RelatedOrder   string        `json:"related_order,omitempty"`
	RelatedProduct string        `json:"related_product,omitempty"`
	LastMessage    *LastMessage  `json:"last_message,omitempty"`
	UnreadCount    int           `json:"unread_count"`
	IsBlocked      bool          `json:"is_blocked"`
	BlockedBy      string        `json:"blocked_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type ConversationList struct {
	Items    []Conversation `json:"items"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           string        `json:"type"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadBy         []ReadReceipt `json:"read_by,omitempty"`
	IsDeleted      bool          `json:"is_deleted,omitempty"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
}

type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Page         int          `json:"page"`
	PageSize     int          `json:"page_size"`
	Total        int          `json:"total"`
}

type SearchHit struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"created_at"`
}

type SearchResult struct {
	Items []SearchHit `json:"items"`
}

// NewUser maps an identity user to its transport shape.
func NewUser(u domainidentity.User) User {
	return User{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL, Active: u.Active}
}

// NewMessage maps a domain message to its transport shape.
func NewMessage(conversationID string, m *domainchat.Message) Message {
	attachments := make([]Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, Attachment{URL: a.URL, ContentType: a.ContentType, Name: a.Name, Size: a.Size})
	}
	readBy := make([]ReadReceipt, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return Message{
		ID:             m.ID,
		ConversationID: conversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
		ReadBy:         readBy,
		IsDeleted:      m.IsDeleted,
		EditedAt:       m.EditedAt,
	}
}

// NewConversation maps a conversation for one viewer; participants are
// passed in already expanded.
func NewConversation(c *domainchat.Conversation, viewerID string, participants []Participant) Conversation {
	out := Conversation{
		ID:             c.ID,
		Kind:           string(c.Kind),
		Participants:   participants,
		RelatedOrder:   c.RelatedOrder,
		RelatedProduct: c.RelatedProduct,
		UnreadCount:    c.UnreadCountFor(viewerID),
		IsBlocked:      c.Blocked.IsBlocked,
		BlockedBy:      c.Blocked.BlockedBy,
		CreatedAt:      c.CreatedAt,
	}
	if c.LastMessage != nil {
		out.LastMessage = &LastMessage{
			Content:   c.LastMessage.Content,
			SenderID:  c.LastMessage.SenderID,
			CreatedAt: c.LastMessage.CreatedAt,
		}
	}
	return out
}
