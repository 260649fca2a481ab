package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrNotParticipant       = errors.New("chat: user is not a participant")
	ErrBlocked              = errors.New("chat: conversation is blocked")
	ErrConflict             = errors.New("chat: conversation already exists")
	ErrSelfConversation     = errors.New("chat: cannot start a conversation with yourself")
	ErrParticipantsRequired = errors.New("chat: two participants are required")
	ErrInvalidKind          = errors.New("chat: invalid conversation kind")
)

type Kind string

const (
	KindDirect       Kind = "direct"
	KindOrderRelated Kind = "order_related"
	KindSupport      Kind = "support"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindOrderRelated, KindSupport:
		return true
	}
	return false
}

// Participant records membership of one user in a conversation.
type Participant struct {
	UserID     string
	JoinedAt   time.Time
	LastSeenAt time.Time
}

// LastMessage is the denormalized preview of the newest non-deleted message.
type LastMessage struct {
	Content   string
	SenderID  string
	CreatedAt time.Time
}

// Block carries the block state of a conversation. The blocker keeps the
// ability to send; the other participant is rejected with ErrBlocked.
type Block struct {
	IsBlocked bool
	BlockedBy string
}

// Conversation is the aggregate holding participants, the append-only
// message sequence and the derived read-state bookkeeping.
type Conversation struct {
	ID             string
	Kind           Kind
	Participants   []Participant
	ParticipantKey string
	RelatedOrder   string
	RelatedProduct string
	Messages       []Message
	LastMessage    *LastMessage
	UnreadCounts   map[string]int
	Blocked        Block
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateParams struct {
	ID             string
	Kind           Kind
	UserA          string
	UserB          string
	RelatedOrder   string
	RelatedProduct string
	CreatedAt      time.Time
}

// NewConversation builds a two-participant conversation of the given kind.
func NewConversation(params CreateParams) (*Conversation, error) {
	if !params.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	a := strings.TrimSpace(params.UserA)
	b := strings.TrimSpace(params.UserB)
	if a == "" || b == "" {
		return nil, ErrParticipantsRequired
	}
	if a == b {
		return nil, ErrSelfConversation
	}
	now := params.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	c := &Conversation{
		ID:   params.ID,
		Kind: params.Kind,
		Participants: []Participant{
			{UserID: a, JoinedAt: now, LastSeenAt: now},
			{UserID: b, JoinedAt: now, LastSeenAt: now},
		},
		ParticipantKey: ParticipantKey(a, b),
		RelatedOrder:   strings.TrimSpace(params.RelatedOrder),
		RelatedProduct: strings.TrimSpace(params.RelatedProduct),
		UnreadCounts:   map[string]int{a: 0, b: 0},
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return c, nil
}

// ParticipantKey derives the deterministic pair key used to enforce the
// one-direct-conversation-per-pair uniqueness. Order of arguments does not
// matter.
func ParticipantKey(userIDs ...string) string {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant id except the given one.
func (c *Conversation) OtherParticipants(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			others = append(others, p.UserID)
		}
	}
	return others
}

// CanSend reports whether the user may append messages. The participant who
// set the block keeps sending; everyone else is rejected while blocked.
func (c *Conversation) CanSend(userID string) error {
	if !c.IsParticipant(userID) {
		return ErrNotParticipant
	}
	if c.Blocked.IsBlocked && c.Blocked.BlockedBy != userID {
		return ErrBlocked
	}
	return nil
}

// ToggleBlock flips the block state on behalf of a participant. Only the
// participant who blocked may lift the block.
func (c *Conversation) ToggleBlock(userID string, now time.Time) error {
	if !c.IsParticipant(userID) {
		return ErrNotParticipant
	}
	if c.Blocked.IsBlocked {
		if c.Blocked.BlockedBy != userID {
			return ErrBlocked
		}
		c.Blocked = Block{}
	} else {
		c.Blocked = Block{IsBlocked: true, BlockedBy: userID}
	}
	c.UpdatedAt = now.UTC()
	return nil
}

// UnreadCountFor returns the unread counter for the user, zero when absent.
func (c *Conversation) UnreadCountFor(userID string) int {
	if c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[userID]
}

// MessageByID finds a message in the sequence, including soft-deleted ones.
func (c *Conversation) MessageByID(id string) (*Message, bool) {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// LatestVisible recomputes the last-message preview from the newest
// non-deleted message, nil when none remains.
func (c *Conversation) LatestVisible() *LastMessage {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsDeleted {
			continue
		}
		m := c.Messages[i]
		return &LastMessage{Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
	}
	return nil
}

// SearchHit is one match returned by substring search.
type SearchHit struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Snippet        string
	CreatedAt      time.Time
}

// Repository is the durable home of conversations. InsertConversation must
// fail with ErrConflict when an active direct conversation with the same
// participant key already exists; callers resolve the race by retrying the
// find once.
type Repository interface {
	ByID(ctx context.Context, id string) (*Conversation, error)
	FindDirect(ctx context.Context, participantKey string) (*Conversation, error)
	FindByOrder(ctx context.Context, orderID, participantKey string) (*Conversation, error)
	InsertConversation(ctx context.Context, c *Conversation) error
	ListForUser(ctx context.Context, userID string, page, pageSize int) ([]*Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg *Message, unreadFor []string) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	SetBlocked(ctx context.Context, conversationID string, blocked Block, at time.Time) error
	UpdateMessage(ctx context.Context, conversationID string, msg *Message, last *LastMessage, unreadCounts map[string]int) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
	Search(ctx context.Context, userID, query string, limit int) ([]SearchHit, error)
}
