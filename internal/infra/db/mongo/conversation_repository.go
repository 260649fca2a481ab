package mongo

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	domainchat "tradepost/internal/domain/chat"
)

// ConversationRepository persists conversations as single documents with the
// message sequence embedded. A unique partial index on participant_key
// enforces at most one active direct conversation per pair; the insert race
// surfaces as a duplicate-key error which we translate to ErrConflict.
type ConversationRepository struct {
	col *mongo.Collection
}

func NewConversationRepository(db *mongo.Database) *ConversationRepository {
	return &ConversationRepository{col: db.Collection("conversations")}
}

// EnsureIndexes creates the uniqueness and listing indexes. Call once at
// startup.
func (r *ConversationRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "participant_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"kind": string(domainchat.KindDirect), "active": true}),
		},
		{
			Keys: bson.D{{Key: "participants.user_id", Value: 1}, {Key: "last_message.created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "related_order", Value: 1}},
			Options: options.Index().
				SetPartialFilterExpression(bson.M{"kind": string(domainchat.KindOrderRelated)}),
		},
	})
	return err
}

func (r *ConversationRepository) ByID(ctx context.Context, id string) (*domainchat.Conversation, error) {
	var doc conversationDocument
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domainchat.ErrConversationNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

func (r *ConversationRepository) FindDirect(ctx context.Context, participantKey string) (*domainchat.Conversation, error) {
	filter := bson.M{
		"participant_key": participantKey,
		"kind":            string(domainchat.KindDirect),
		"active":          true,
	}
	var doc conversationDocument
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domainchat.ErrConversationNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

func (r *ConversationRepository) FindByOrder(ctx context.Context, orderID, participantKey string) (*domainchat.Conversation, error) {
	filter := bson.M{
		"related_order":   orderID,
		"participant_key": participantKey,
		"kind":            string(domainchat.KindOrderRelated),
		"active":          true,
	}
	var doc conversationDocument
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domainchat.ErrConversationNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

func (r *ConversationRepository) InsertConversation(ctx context.Context, c *domainchat.Conversation) error {
	if _, err := r.col.InsertOne(ctx, newConversationDocument(c)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domainchat.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]*domainchat.Conversation, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	filter := bson.M{"active": true, "participants.user_id": userID}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message.created_at", Value: -1}, {Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize)).
		SetProjection(bson.M{"messages": 0})
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	result := make([]*domainchat.Conversation, 0, pageSize)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.toAggregate())
	}
	return result, cursor.Err()
}

// AppendMessage pushes the message and writes its derived state in one
// update, so readers never observe a message without the matching
// last-message preview and unread counters.
func (r *ConversationRepository) AppendMessage(ctx context.Context, conversationID string, msg *domainchat.Message, unreadFor []string) error {
	set := bson.M{
		"last_message": lastMessageDocument{
			Content:   msg.Content,
			SenderID:  msg.SenderID,
			CreatedAt: msg.CreatedAt.UnixMilli(),
		},
		"updated_at":                    msg.CreatedAt.UnixMilli(),
		"unread_counts." + msg.SenderID: 0,
	}
	inc := bson.M{}
	for _, uid := range unreadFor {
		inc["unread_counts."+uid] = 1
	}
	update := bson.M{
		"$push": bson.M{"messages": newMessageDocument(msg)},
		"$set":  set,
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": conversationID, "active": true}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domainchat.ErrConversationNotFound
	}
	return nil
}

// MarkRead stamps a read receipt on every unread message not sent by the
// user, zeroes their unread counter and refreshes their last-seen marker.
// Running it twice is a no-op.
func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	update := bson.M{
		"$push": bson.M{
			"messages.$[m].read_by": readReceiptDocument{UserID: userID, ReadAt: at.UTC().UnixMilli()},
		},
		"$set": bson.M{
			"unread_counts." + userID:        0,
			"participants.$[p].last_seen_at": at.UTC().UnixMilli(),
		},
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{
			bson.M{
				"m.sender_id":       bson.M{"$ne": userID},
				"m.read_by.user_id": bson.M{"$ne": userID},
				"m.is_deleted":      false,
			},
			bson.M{"p.user_id": userID},
		},
	})
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": conversationID}, update, opts)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domainchat.ErrConversationNotFound
	}
	return nil
}

func (r *ConversationRepository) SetBlocked(ctx context.Context, conversationID string, blocked domainchat.Block, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"blocked":    blockDocument{IsBlocked: blocked.IsBlocked, BlockedBy: blocked.BlockedBy},
		"updated_at": at.UTC().UnixMilli(),
	}}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": conversationID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domainchat.ErrConversationNotFound
	}
	return nil
}

// UpdateMessage replaces one message in place (soft delete, edit) together
// with the recomputed last-message preview.
func (r *ConversationRepository) UpdateMessage(ctx context.Context, conversationID string, msg *domainchat.Message, last *domainchat.LastMessage, unreadCounts map[string]int) error {
	set := bson.M{"messages.$": newMessageDocument(msg)}
	if last != nil {
		set["last_message"] = lastMessageDocument{
			Content:   last.Content,
			SenderID:  last.SenderID,
			CreatedAt: last.CreatedAt.UnixMilli(),
		}
	}
	for uid, count := range unreadCounts {
		set["unread_counts."+uid] = count
	}
	update := bson.M{"$set": set}
	if last == nil {
		update["$unset"] = bson.M{"last_message": ""}
	}
	filter := bson.M{"_id": conversationID, "messages.id": msg.ID}
	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domainchat.ErrMessageNotFound
	}
	return nil
}

func (r *ConversationRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	update := bson.M{"$set": bson.M{"participants.$[p].last_seen_at": at.UTC().UnixMilli()}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"p.user_id": userID}},
	})
	_, err := r.col.UpdateMany(ctx, bson.M{"participants.user_id": userID}, update, opts)
	return err
}

func (r *ConversationRepository) Search(ctx context.Context, userID, query string, limit int) ([]domainchat.SearchHit, error) {
	needle := strings.TrimSpace(query)
	if needle == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(needle), Options: "i"}
	filter := bson.M{
		"active":               true,
		"participants.user_id": userID,
		"messages": bson.M{"$elemMatch": bson.M{
			"content":    pattern,
			"is_deleted": false,
		}},
	}
	cursor, err := r.col.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	lowered := strings.ToLower(needle)
	hits := make([]domainchat.SearchHit, 0)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		for _, m := range doc.Messages {
			if m.IsDeleted {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), lowered) {
				hits = append(hits, domainchat.SearchHit{
					ConversationID: doc.ID,
					MessageID:      m.ID,
					SenderID:       m.SenderID,
					Snippet:        m.Content,
					CreatedAt:      timestampToTime(m.CreatedAt),
				})
				if len(hits) >= limit {
					return hits, nil
				}
			}
		}
	}
	return hits, cursor.Err()
}

type conversationDocument struct {
	ID             string                `bson:"_id"`
	Kind           string                `bson:"kind"`
	Participants   []participantDocument `bson:"participants"`
	ParticipantKey string                `bson:"participant_key"`
	RelatedOrder   string                `bson:"related_order,omitempty"`
	RelatedProduct string                `bson:"related_product,omitempty"`
	Messages       []messageDocument     `bson:"messages"`
	LastMessage    *lastMessageDocument  `bson:"last_message,omitempty"`
	UnreadCounts   map[string]int        `bson:"unread_counts"`
	Blocked        blockDocument         `bson:"blocked"`
	Active         bool                  `bson:"active"`
	CreatedAt      int64                 `bson:"created_at"`
	UpdatedAt      int64                 `bson:"updated_at"`
}

type participantDocument struct {
	UserID     string `bson:"user_id"`
	JoinedAt   int64  `bson:"joined_at"`
	LastSeenAt int64  `bson:"last_seen_at"`
}

type lastMessageDocument struct {
	Content   string `bson:"content"`
	SenderID  string `bson:"sender_id"`
	CreatedAt int64  `bson:"created_at"`
}

type blockDocument struct {
	IsBlocked bool   `bson:"is_blocked"`
	BlockedBy string `bson:"blocked_by,omitempty"`
}

type messageDocument struct {
	ID          string                `bson:"id"`
	SenderID    string                `bson:"sender_id"`
	Content     string                `bson:"content"`
	Type        string                `bson:"type"`
	Attachments []attachmentDocument  `bson:"attachments,omitempty"`
	CreatedAt   int64                 `bson:"created_at"`
	ReadBy      []readReceiptDocument `bson:"read_by"`
	IsDeleted   bool                  `bson:"is_deleted"`
	DeletedAt   *int64                `bson:"deleted_at,omitempty"`
	EditedAt    *int64                `bson:"edited_at,omitempty"`
}

type attachmentDocument struct {
	URL         string `bson:"url"`
	ContentType string `bson:"content_type,omitempty"`
	Name        string `bson:"name,omitempty"`
	Size        int64  `bson:"size,omitempty"`
}

type readReceiptDocument struct {
	UserID string `bson:"user_id"`
	ReadAt int64  `bson:"read_at"`
}

func newConversationDocument(c *domainchat.Conversation) conversationDocument {
	participants := make([]participantDocument, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, participantDocument{
			UserID:     p.UserID,
			JoinedAt:   p.JoinedAt.UnixMilli(),
			LastSeenAt: p.LastSeenAt.UnixMilli(),
		})
	}
	messages := make([]messageDocument, 0, len(c.Messages))
	for i := range c.Messages {
		messages = append(messages, newMessageDocument(&c.Messages[i]))
	}
	doc := conversationDocument{
		ID:             c.ID,
		Kind:           string(c.Kind),
		Participants:   participants,
		ParticipantKey: c.ParticipantKey,
		RelatedOrder:   c.RelatedOrder,
		RelatedProduct: c.RelatedProduct,
		Messages:       messages,
		UnreadCounts:   c.UnreadCounts,
		Blocked:        blockDocument{IsBlocked: c.Blocked.IsBlocked, BlockedBy: c.Blocked.BlockedBy},
		Active:         c.Active,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
	if c.LastMessage != nil {
		doc.LastMessage = &lastMessageDocument{
			Content:   c.LastMessage.Content,
			SenderID:  c.LastMessage.SenderID,
			CreatedAt: c.LastMessage.CreatedAt.UnixMilli(),
		}
	}
	return doc
}

func newMessageDocument(m *domainchat.Message) messageDocument {
	attachments := make([]attachmentDocument, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, attachmentDocument{URL: a.URL, ContentType: a.ContentType, Name: a.Name, Size: a.Size})
	}
	readBy := make([]readReceiptDocument, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, readReceiptDocument{UserID: r.UserID, ReadAt: r.ReadAt.UnixMilli()})
	}
	doc := messageDocument{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		Type:        string(m.Type),
		Attachments: attachments,
		CreatedAt:   m.CreatedAt.UnixMilli(),
		ReadBy:      readBy,
		IsDeleted:   m.IsDeleted,
	}
	if m.DeletedAt != nil {
		ms := m.DeletedAt.UnixMilli()
		doc.DeletedAt = &ms
	}
	if m.EditedAt != nil {
		ms := m.EditedAt.UnixMilli()
		doc.EditedAt = &ms
	}
	return doc
}

func (d conversationDocument) toAggregate() *domainchat.Conversation {
	participants := make([]domainchat.Participant, 0, len(d.Participants))
	for _, p := range d.Participants {
		participants = append(participants, domainchat.Participant{
			UserID:     p.UserID,
			JoinedAt:   timestampToTime(p.JoinedAt),
			LastSeenAt: timestampToTime(p.LastSeenAt),
		})
	}
	messages := make([]domainchat.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		messages = append(messages, m.toAggregate())
	}
	agg := &domainchat.Conversation{
		ID:             d.ID,
		Kind:           domainchat.Kind(d.Kind),
		Participants:   participants,
		ParticipantKey: d.ParticipantKey,
		RelatedOrder:   d.RelatedOrder,
		RelatedProduct: d.RelatedProduct,
		Messages:       messages,
		UnreadCounts:   d.UnreadCounts,
		Blocked:        domainchat.Block{IsBlocked: d.Blocked.IsBlocked, BlockedBy: d.Blocked.BlockedBy},
		Active:         d.Active,
		CreatedAt:      timestampToTime(d.CreatedAt),
		UpdatedAt:      timestampToTime(d.UpdatedAt),
	}
	if d.UnreadCounts == nil {
		agg.UnreadCounts = make(map[string]int)
	}
	if d.LastMessage != nil {
		agg.LastMessage = &domainchat.LastMessage{
			Content:   d.LastMessage.Content,
			SenderID:  d.LastMessage.SenderID,
			CreatedAt: timestampToTime(d.LastMessage.CreatedAt),
		}
	}
	return agg
}

func (d messageDocument) toAggregate() domainchat.Message {
	attachments := make([]domainchat.Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		attachments = append(attachments, domainchat.Attachment{URL: a.URL, ContentType: a.ContentType, Name: a.Name, Size: a.Size})
	}
	readBy := make([]domainchat.ReadReceipt, 0, len(d.ReadBy))
	for _, r := range d.ReadBy {
		readBy = append(readBy, domainchat.ReadReceipt{UserID: r.UserID, ReadAt: timestampToTime(r.ReadAt)})
	}
	msg := domainchat.Message{
		ID:          d.ID,
		SenderID:    d.SenderID,
		Content:     d.Content,
		Type:        domainchat.MessageType(d.Type),
		Attachments: attachments,
		CreatedAt:   timestampToTime(d.CreatedAt),
		ReadBy:      readBy,
		IsDeleted:   d.IsDeleted,
	}
	if d.DeletedAt != nil {
		at := timestampToTime(*d.DeletedAt)
		msg.DeletedAt = &at
	}
	if d.EditedAt != nil {
		at := timestampToTime(*d.EditedAt)
		msg.EditedAt = &at
	}
	return msg
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
