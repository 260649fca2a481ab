package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	domainchat "tradepost/internal/domain/chat"
	domainidentity "tradepost/internal/domain/identity"
)

// DedupWindow is the span during which an identical resend from the same
// sender collapses into the already-stored message. Best effort, not a
// strong idempotency key: two appends racing through different processes can
// still both land.
const DedupWindow = 5 * time.Second

var (
	ErrUnknownUser   = errors.New("chat service: unknown user")
	ErrCreateRace    = errors.New("chat service: conversation create race left no winner")
	ErrQueryRequired = errors.New("chat service: search query is required")
)

// EventPublisher forwards chat events to the notification pipeline.
// Publishing failures are logged, never surfaced to the caller.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// Service is the single entry point for conversation and message writes. It
// owns validation, the dedup policy and derived-state maintenance; the
// repository provides the atomic primitives.
type Service struct {
	Repo      domainchat.Repository
	Directory domainidentity.Directory
	Events    EventPublisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

// GetOrCreateDirect returns the single active direct conversation between
// the two users, creating it when absent. Concurrent calls converge on one
// conversation: the insert runs under the store's uniqueness constraint and
// a conflict is resolved by retrying the find exactly once.
func (s *Service) GetOrCreateDirect(ctx context.Context, userA, userB string) (*domainchat.Conversation, bool, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == userB {
		return nil, false, domainchat.ErrSelfConversation
	}
	for _, id := range []string{userA, userB} {
		if err := s.ensureKnownUser(ctx, id); err != nil {
			return nil, false, err
		}
	}

	key := domainchat.ParticipantKey(userA, userB)
	if existing, err := s.Repo.FindDirect(ctx, key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domainchat.ErrConversationNotFound) {
		return nil, false, err
	}

	conversation, err := domainchat.NewConversation(domainchat.CreateParams{
		ID:        uuid.NewString(),
		Kind:      domainchat.KindDirect,
		UserA:     userA,
		UserB:     userB,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, false, err
	}
	err = s.Repo.InsertConversation(ctx, conversation)
	if err == nil {
		s.publishConversationCreated(ctx, conversation)
		return conversation, true, nil
	}
	if !errors.Is(err, domainchat.ErrConflict) {
		return nil, false, err
	}

	// Lost the insert race; the winner's record must exist now.
	winner, findErr := s.Repo.FindDirect(ctx, key)
	if findErr != nil {
		if errors.Is(findErr, domainchat.ErrConversationNotFound) {
			return nil, false, ErrCreateRace
		}
		return nil, false, findErr
	}
	return winner, false, nil
}

type CreateConversationParams struct {
	Kind           domainchat.Kind
	UserA          string
	UserB          string
	RelatedOrder   string
	RelatedProduct string
}

// CreateConversation starts an order-related or support conversation. For
// order-related conversations the (order, pair) combination is reused when
// it already exists.
func (s *Service) CreateConversation(ctx context.Context, params CreateConversationParams) (*domainchat.Conversation, bool, error) {
	if params.Kind == domainchat.KindDirect {
		return s.GetOrCreateDirect(ctx, params.UserA, params.UserB)
	}
	for _, id := range []string{params.UserA, params.UserB} {
		if err := s.ensureKnownUser(ctx, id); err != nil {
			return nil, false, err
		}
	}
	if params.Kind == domainchat.KindOrderRelated && params.RelatedOrder != "" {
		key := domainchat.ParticipantKey(params.UserA, params.UserB)
		if existing, err := s.Repo.FindByOrder(ctx, params.RelatedOrder, key); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, domainchat.ErrConversationNotFound) {
			return nil, false, err
		}
	}
	conversation, err := domainchat.NewConversation(domainchat.CreateParams{
		ID:             uuid.NewString(),
		Kind:           params.Kind,
		UserA:          params.UserA,
		UserB:          params.UserB,
		RelatedOrder:   params.RelatedOrder,
		RelatedProduct: params.RelatedProduct,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if err := s.Repo.InsertConversation(ctx, conversation); err != nil {
		return nil, false, err
	}
	s.publishConversationCreated(ctx, conversation)
	return conversation, true, nil
}

type SendParams struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           domainchat.MessageType
	Attachments    []domainchat.Attachment
}

// SendMessage validates, deduplicates and appends a message, updating the
// last-message preview and the recipients' unread counters in the same store
// mutation. A duplicate within the dedup window is a success returning the
// already-stored message.
func (s *Service) SendMessage(ctx context.Context, params SendParams) (*domainchat.Message, bool, error) {
	conversation, err := s.Repo.ByID(ctx, params.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if err := conversation.CanSend(params.SenderID); err != nil {
		return nil, false, err
	}

	now := s.now()
	if existing := findRecentDuplicate(conversation, params.SenderID, params.Content, now); existing != nil {
		return existing, true, nil
	}

	message, err := domainchat.NewMessage(domainchat.MessageParams{
		ID:          uuid.NewString(),
		SenderID:    params.SenderID,
		Content:     params.Content,
		Type:        params.Type,
		Attachments: params.Attachments,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, false, err
	}

	recipients := conversation.OtherParticipants(params.SenderID)
	if err := s.Repo.AppendMessage(ctx, conversation.ID, message, recipients); err != nil {
		return nil, false, err
	}
	s.publishEvent(ctx, domainchat.EventMessageCreated, conversation.ID, domainchat.MessageCreated{
		ConversationID: conversation.ID,
		MessageID:      message.ID,
		SenderID:       message.SenderID,
		Type:           string(message.Type),
		Recipients:     recipients,
		At:             message.CreatedAt,
	})
	return message, false, nil
}

// findRecentDuplicate walks the tail of the sequence for a non-deleted
// message from the same sender with identical trimmed content inside the
// dedup window.
func findRecentDuplicate(c *domainchat.Conversation, senderID, content string, now time.Time) *domainchat.Message {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := &c.Messages[i]
		if now.Sub(m.CreatedAt) > DedupWindow {
			break
		}
		if m.IsDeleted || m.SenderID != senderID {
			continue
		}
		if m.Content == trimmed {
			copied := *m
			return &copied
		}
	}
	return nil
}

// ConversationView is one conversation with a window of its visible
// messages.
type ConversationView struct {
	Conversation *domainchat.Conversation
	Messages     []domainchat.Message
	TotalVisible int
}

// GetConversation returns the conversation with a page of its non-deleted
// messages, newest page first, and marks the caller as caught up: fetching
// a conversation is the read action.
func (s *Service) GetConversation(ctx context.Context, conversationID, callerID string, page, pageSize int) (*ConversationView, error) {
	// MarkRead runs first so the snapshot below already carries the caller's
	// receipts and a zeroed counter. It also authorizes the caller.
	if _, err := s.MarkRead(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	visible := make([]domainchat.Message, 0, len(conversation.Messages))
	for _, m := range conversation.Messages {
		if !m.IsDeleted {
			visible = append(visible, m)
		}
	}
	window := paginateTail(visible, page, pageSize)
	return &ConversationView{Conversation: conversation, Messages: window, TotalVisible: len(visible)}, nil
}

// paginateTail slices pages counting back from the newest message while
// keeping chronological order inside each page.
func paginateTail(messages []domainchat.Message, page, pageSize int) []domainchat.Message {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	end := len(messages) - (page-1)*pageSize
	if end <= 0 {
		return []domainchat.Message{}
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	return append([]domainchat.Message(nil), messages[start:end]...)
}

// GetMessage returns one message by id, including soft-deleted ones.
func (s *Service) GetMessage(ctx context.Context, conversationID, messageID, callerID string) (*domainchat.Message, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(callerID) {
		return nil, domainchat.ErrNotParticipant
	}
	message, ok := conversation.MessageByID(messageID)
	if !ok {
		return nil, domainchat.ErrMessageNotFound
	}
	copied := *message
	return &copied, nil
}

// IsParticipant reports whether the user belongs to the conversation; the
// realtime gateway uses it to authorize room joins without the read side
// effect of fetching.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conversation.IsParticipant(userID), nil
}

// MarkRead marks every unread message as read by the user, resets their
// unread counter and refreshes their last-seen marker. Idempotent. It
// returns the ids of messages that transitioned to read, for receipt
// fan-out.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(userID) {
		return nil, domainchat.ErrNotParticipant
	}

	var transitioned []string
	for i := range conversation.Messages {
		m := &conversation.Messages[i]
		if m.SenderID == userID || m.IsDeleted || m.IsReadBy(userID) {
			continue
		}
		transitioned = append(transitioned, m.ID)
	}

	now := s.now()
	if err := s.Repo.MarkRead(ctx, conversationID, userID, now); err != nil {
		return nil, err
	}
	if len(transitioned) > 0 {
		s.publishEvent(ctx, domainchat.EventConversationRead, conversationID, domainchat.ConversationRead{
			ConversationID: conversationID,
			UserID:         userID,
			At:             now,
		})
	}
	return transitioned, nil
}

// UnreadCountFor reads the user's unread counter, zero when absent.
func (s *Service) UnreadCountFor(ctx context.Context, conversationID, userID string) (int, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return conversation.UnreadCountFor(userID), nil
}

// ToggleBlock flips the conversation's block state for the caller.
func (s *Service) ToggleBlock(ctx context.Context, conversationID, userID string) (domainchat.Block, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return domainchat.Block{}, err
	}
	now := s.now()
	if err := conversation.ToggleBlock(userID, now); err != nil {
		return domainchat.Block{}, err
	}
	if err := s.Repo.SetBlocked(ctx, conversationID, conversation.Blocked, now); err != nil {
		return domainchat.Block{}, err
	}
	return conversation.Blocked, nil
}

// DeleteMessage soft-deletes the caller's own message. The last-message
// preview and every participant's unread counter are recomputed without the
// deleted entry.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID, callerID string) (*domainchat.Message, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(callerID) {
		return nil, domainchat.ErrNotParticipant
	}
	message, ok := conversation.MessageByID(messageID)
	if !ok {
		return nil, domainchat.ErrMessageNotFound
	}
	if err := message.SoftDelete(callerID, s.now()); err != nil {
		return nil, err
	}
	last := conversation.LatestVisible()
	unread := recomputeUnread(conversation)
	if err := s.Repo.UpdateMessage(ctx, conversationID, message, last, unread); err != nil {
		return nil, err
	}
	copied := *message
	return &copied, nil
}

// EditMessage replaces the content of the caller's own message, stamping the
// edit time. When the edited message is the newest visible one the preview
// follows it.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, callerID, content string) (*domainchat.Message, error) {
	conversation, err := s.Repo.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(callerID) {
		return nil, domainchat.ErrNotParticipant
	}
	message, ok := conversation.MessageByID(messageID)
	if !ok {
		return nil, domainchat.ErrMessageNotFound
	}
	if err := message.Edit(callerID, content, s.now()); err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateMessage(ctx, conversationID, message, conversation.LatestVisible(), nil); err != nil {
		return nil, err
	}
	copied := *message
	return &copied, nil
}

// ListConversations pages through the caller's conversations, most recent
// activity first.
func (s *Service) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]*domainchat.Conversation, error) {
	return s.Repo.ListForUser(ctx, userID, page, pageSize)
}

// Search finds messages containing the substring across the caller's
// conversations.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]domainchat.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrQueryRequired
	}
	return s.Repo.Search(ctx, userID, query, limit)
}

// TouchLastSeen persists the user's last-seen marker across their
// conversations; called when their final connection drops.
func (s *Service) TouchLastSeen(ctx context.Context, userID string) error {
	return s.Repo.TouchLastSeen(ctx, userID, s.now())
}

type OrderUpdateParams struct {
	OrderID   string
	ProductID string
	BuyerID   string
	SellerID  string
	ActorID   string
	Status    string
	Note      string
}

// PostOrderUpdate records an order status change as an order_update message
// in the buyer/seller conversation for that order, creating the
// conversation lazily.
func (s *Service) PostOrderUpdate(ctx context.Context, params OrderUpdateParams) (*domainchat.Conversation, *domainchat.Message, error) {
	conversation, _, err := s.CreateConversation(ctx, CreateConversationParams{
		Kind:           domainchat.KindOrderRelated,
		UserA:          params.BuyerID,
		UserB:          params.SellerID,
		RelatedOrder:   params.OrderID,
		RelatedProduct: params.ProductID,
	})
	if err != nil {
		return nil, nil, err
	}
	sender := params.ActorID
	if sender == "" || !conversation.IsParticipant(sender) {
		sender = params.SellerID
	}
	content := fmt.Sprintf("Order %s: %s", params.OrderID, params.Status)
	if params.Note != "" {
		content += " (" + params.Note + ")"
	}
	message, _, err := s.SendMessage(ctx, SendParams{
		ConversationID: conversation.ID,
		SenderID:       sender,
		Content:        content,
		Type:           domainchat.TypeOrderUpdate,
	})
	if err != nil {
		return nil, nil, err
	}
	return conversation, message, nil
}

func (s *Service) ensureKnownUser(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domainchat.ErrParticipantsRequired
	}
	if s.Directory == nil {
		return nil
	}
	user, err := s.Directory.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, domainidentity.ErrUserNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
		return err
	}
	if !user.Active {
		return fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	return nil
}

func recomputeUnread(c *domainchat.Conversation) map[string]int {
	counts := make(map[string]int, len(c.Participants))
	for _, p := range c.Participants {
		counts[p.UserID] = 0
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.IsDeleted {
			continue
		}
		for _, p := range c.Participants {
			if p.UserID == m.SenderID || m.IsReadBy(p.UserID) {
				continue
			}
			counts[p.UserID]++
		}
	}
	return counts
}

func (s *Service) publishConversationCreated(ctx context.Context, c *domainchat.Conversation) {
	participants := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, p.UserID)
	}
	s.publishEvent(ctx, domainchat.EventConversationCreated, c.ID, domainchat.ConversationCreated{
		ConversationID: c.ID,
		Kind:           string(c.Kind),
		Participants:   participants,
		RelatedOrder:   c.RelatedOrder,
		At:             c.CreatedAt,
	})
}

func (s *Service) publishEvent(ctx context.Context, eventType, key string, payload any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, eventType, key, payload); err != nil && s.Logger != nil {
		s.Logger.Warn("chat event publish failed", "event_type", eventType, "error", err)
	}
}
