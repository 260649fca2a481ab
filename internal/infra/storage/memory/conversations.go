package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domainchat "tradepost/internal/domain/chat"
)

// ConversationRepository keeps conversations in process memory. It backs the
// test suite and the no-Mongo dev mode; the mutex plays the role of the
// document store's atomic compare-and-insert.
type ConversationRepository struct {
	mu        sync.RWMutex
	items     map[string]*domainchat.Conversation
	directKey map[string]string
}

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		items:     make(map[string]*domainchat.Conversation),
		directKey: make(map[string]string),
	}
}

func (r *ConversationRepository) ByID(ctx context.Context, id string) (*domainchat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (r *ConversationRepository) FindDirect(ctx context.Context, participantKey string) (*domainchat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.directKey[participantKey]
	if !ok {
		return nil, domainchat.ErrConversationNotFound
	}
	c, ok := r.items[id]
	if !ok || !c.Active {
		return nil, domainchat.ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (r *ConversationRepository) FindByOrder(ctx context.Context, orderID, participantKey string) (*domainchat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.items {
		if c.Active && c.Kind == domainchat.KindOrderRelated && c.RelatedOrder == orderID && c.ParticipantKey == participantKey {
			return cloneConversation(c), nil
		}
	}
	return nil, domainchat.ErrConversationNotFound
}

// InsertConversation stores a new conversation. For active direct
// conversations the participant key acts as a unique index: a second insert
// for the same pair fails with ErrConflict and the caller retries the find.
func (r *ConversationRepository) InsertConversation(ctx context.Context, c *domainchat.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Kind == domainchat.KindDirect && c.Active {
		if existingID, ok := r.directKey[c.ParticipantKey]; ok {
			if existing, found := r.items[existingID]; found && existing.Active {
				return domainchat.ErrConflict
			}
		}
		r.directKey[c.ParticipantKey] = c.ID
	}
	r.items[c.ID] = cloneConversation(c)
	return nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]*domainchat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*domainchat.Conversation, 0)
	for _, c := range r.items {
		if c.Active && c.IsParticipant(userID) {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return lastActivity(matches[i]).After(lastActivity(matches[j]))
	})

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(matches) {
		return []*domainchat.Conversation{}, nil
	}
	end := start + pageSize
	if end > len(matches) {
		end = len(matches)
	}
	result := make([]*domainchat.Conversation, 0, end-start)
	for _, c := range matches[start:end] {
		copied := cloneConversation(c)
		copied.Messages = nil
		result = append(result, copied)
	}
	return result, nil
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, conversationID string, msg *domainchat.Message, unreadFor []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[conversationID]
	if !ok || !c.Active {
		return domainchat.ErrConversationNotFound
	}
	c.Messages = append(c.Messages, *cloneMessage(msg))
	c.LastMessage = &domainchat.LastMessage{Content: msg.Content, SenderID: msg.SenderID, CreatedAt: msg.CreatedAt}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	for _, uid := range unreadFor {
		c.UnreadCounts[uid]++
	}
	c.UnreadCounts[msg.SenderID] = 0
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[conversationID]
	if !ok {
		return domainchat.ErrConversationNotFound
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.SenderID == userID {
			continue
		}
		m.MarkReadBy(userID, at)
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	c.UnreadCounts[userID] = 0
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].LastSeenAt = at.UTC()
		}
	}
	return nil
}

func (r *ConversationRepository) SetBlocked(ctx context.Context, conversationID string, blocked domainchat.Block, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[conversationID]
	if !ok {
		return domainchat.ErrConversationNotFound
	}
	c.Blocked = blocked
	c.UpdatedAt = at.UTC()
	return nil
}

func (r *ConversationRepository) UpdateMessage(ctx context.Context, conversationID string, msg *domainchat.Message, last *domainchat.LastMessage, unreadCounts map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[conversationID]
	if !ok {
		return domainchat.ErrConversationNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages[i] = *cloneMessage(msg)
			c.LastMessage = cloneLastMessage(last)
			if unreadCounts != nil {
				c.UnreadCounts = make(map[string]int, len(unreadCounts))
				for k, v := range unreadCounts {
					c.UnreadCounts[k] = v
				}
			}
			return nil
		}
	}
	return domainchat.ErrMessageNotFound
}

func (r *ConversationRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	at = at.UTC()
	for _, c := range r.items {
		for i := range c.Participants {
			if c.Participants[i].UserID == userID {
				c.Participants[i].LastSeenAt = at
			}
		}
	}
	return nil
}

func (r *ConversationRepository) Search(ctx context.Context, userID, query string, limit int) ([]domainchat.SearchHit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	hits := make([]domainchat.SearchHit, 0)
	for _, c := range r.items {
		if !c.Active || !c.IsParticipant(userID) {
			continue
		}
		for i := range c.Messages {
			m := &c.Messages[i]
			if m.IsDeleted {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), needle) {
				hits = append(hits, domainchat.SearchHit{
					ConversationID: c.ID,
					MessageID:      m.ID,
					SenderID:       m.SenderID,
					Snippet:        m.Content,
					CreatedAt:      m.CreatedAt,
				})
				if len(hits) >= limit {
					return hits, nil
				}
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.After(hits[j].CreatedAt) })
	return hits, nil
}

func lastActivity(c *domainchat.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func cloneConversation(c *domainchat.Conversation) *domainchat.Conversation {
	if c == nil {
		return nil
	}
	copied := *c
	copied.Participants = append([]domainchat.Participant(nil), c.Participants...)
	copied.Messages = make([]domainchat.Message, len(c.Messages))
	for i := range c.Messages {
		copied.Messages[i] = *cloneMessage(&c.Messages[i])
	}
	copied.LastMessage = cloneLastMessage(c.LastMessage)
	copied.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		copied.UnreadCounts[k] = v
	}
	return &copied
}

func cloneMessage(m *domainchat.Message) *domainchat.Message {
	copied := *m
	copied.Attachments = append([]domainchat.Attachment(nil), m.Attachments...)
	copied.ReadBy = append([]domainchat.ReadReceipt(nil), m.ReadBy...)
	if m.DeletedAt != nil {
		at := *m.DeletedAt
		copied.DeletedAt = &at
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		copied.EditedAt = &at
	}
	return &copied
}

func cloneLastMessage(l *domainchat.LastMessage) *domainchat.LastMessage {
	if l == nil {
		return nil
	}
	copied := *l
	return &copied
}
