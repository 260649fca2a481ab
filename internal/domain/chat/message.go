package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxContentLength = 1000

var (
	ErrContentRequired = errors.New("chat: message content is required")
	ErrContentTooLong  = errors.New("chat: message content exceeds 1000 characters")
	ErrInvalidType     = errors.New("chat: invalid message type")
	ErrSenderRequired  = errors.New("chat: sender id is required")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotAuthor       = errors.New("chat: only the author may modify a message")
	ErrMessageDeleted  = errors.New("chat: message is deleted")
)

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeFile        MessageType = "file"
	TypeLocation    MessageType = "location"
	TypeOrderUpdate MessageType = "order_update"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeLocation, TypeOrderUpdate:
		return true
	}
	return false
}

type Attachment struct {
	URL         string
	ContentType string
	Name        string
	Size        int64
}

type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

// Message is one entry of a conversation's append-only sequence. Content,
// sender and creation time are immutable once written; only read receipts,
// the soft-delete flag and the edit timestamp may change afterwards.
type Message struct {
	ID          string
	SenderID    string
	Content     string
	Type        MessageType
	Attachments []Attachment
	CreatedAt   time.Time
	ReadBy      []ReadReceipt
	IsDeleted   bool
	DeletedAt   *time.Time
	EditedAt    *time.Time
}

type MessageParams struct {
	ID          string
	SenderID    string
	Content     string
	Type        MessageType
	Attachments []Attachment
	CreatedAt   time.Time
}

// NewMessage validates and builds a message. The sender is recorded as
// having read its own message immediately. Non-text types accept placeholder
// content but still honor the length cap.
func NewMessage(params MessageParams) (*Message, error) {
	sender := strings.TrimSpace(params.SenderID)
	if sender == "" {
		return nil, ErrSenderRequired
	}
	msgType := params.Type
	if msgType == "" {
		msgType = TypeText
	}
	if !msgType.Valid() {
		return nil, ErrInvalidType
	}
	content := strings.TrimSpace(params.Content)
	if content == "" && msgType == TypeText {
		return nil, ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, ErrContentTooLong
	}
	now := params.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return &Message{
		ID:          params.ID,
		SenderID:    sender,
		Content:     content,
		Type:        msgType,
		Attachments: append([]Attachment(nil), params.Attachments...),
		CreatedAt:   now,
		ReadBy:      []ReadReceipt{{UserID: sender, ReadAt: now}},
	}, nil
}

func (m *Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkReadBy appends a read receipt unless one already exists. Returns true
// when the receipt was added.
func (m *Message) MarkReadBy(userID string, at time.Time) bool {
	if m.IsDeleted || m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at.UTC()})
	return true
}

// SoftDelete hides the message without removing it from the sequence. Only
// the author may delete.
func (m *Message) SoftDelete(userID string, now time.Time) error {
	if m.SenderID != userID {
		return ErrNotAuthor
	}
	if m.IsDeleted {
		return nil
	}
	at := now.UTC()
	m.IsDeleted = true
	m.DeletedAt = &at
	return nil
}

// Edit replaces the content of the author's own text message and stamps
// EditedAt. Deleted messages cannot be edited.
func (m *Message) Edit(userID, content string, now time.Time) error {
	if m.SenderID != userID {
		return ErrNotAuthor
	}
	if m.IsDeleted {
		return ErrMessageDeleted
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLong
	}
	at := now.UTC()
	m.Content = content
	m.EditedAt = &at
	return nil
}
