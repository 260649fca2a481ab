package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"tradepost/internal/app/dto"
	chatservice "tradepost/internal/app/services/chat"
	domainchat "tradepost/internal/domain/chat"
	domainidentity "tradepost/internal/domain/identity"
	"tradepost/internal/infra/obs"
	"tradepost/internal/infra/storage/s3"
)

// ChatHTTP exposes the chat endpoints.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	CreateDirect(c *gin.Context)
	Create(c *gin.Context)
	Get(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	ToggleBlock(c *gin.Context)
	DeleteMessage(c *gin.Context)
	EditMessage(c *gin.Context)
	Search(c *gin.Context)
	UploadAttachment(c *gin.Context)
}

// ChatHandler bridges HTTP with the chat service.
type ChatHandler struct {
	Chat      *chatservice.Service
	Directory domainidentity.Directory
	Uploads   s3.AttachmentStore
	Logger    *slog.Logger
	PageSize  int
}

// ListConversations returns the caller's conversations sorted by last
// activity.
func (h ChatHandler) ListConversations(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	page := parsePositiveInt(c.Query("page"), 1)
	pageSize := parsePositiveInt(c.Query("page_size"), h.pageSize())

	conversations, err := h.Chat.ListConversations(c.Request.Context(), caller.ID, page, pageSize)
	if err != nil {
		h.respondChatError(c, err, "list conversations", "user_id", caller.ID)
		return
	}
	collection := dto.ConversationList{
		Items:    make([]dto.Conversation, 0, len(conversations)),
		Page:     page,
		PageSize: pageSize,
	}
	for _, conversation := range conversations {
		collection.Items = append(collection.Items, h.conversationDTO(c.Request.Context(), conversation, caller.ID))
	}
	c.JSON(http.StatusOK, collection)
}

// CreateDirect gets or creates the single direct conversation between the
// caller and another user.
func (h ChatHandler) CreateDirect(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conversation, created, err := h.Chat.GetOrCreateDirect(c.Request.Context(), caller.ID, req.UserID)
	if err != nil {
		h.respondChatError(c, err, "create direct conversation", "user_id", caller.ID, "peer_id", req.UserID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.conversationDTO(c.Request.Context(), conversation, caller.ID))
}

// Create starts an order-related or support conversation.
func (h ChatHandler) Create(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	var req struct {
		Kind           string `json:"kind"`
		UserID         string `json:"user_id"`
		RelatedOrder   string `json:"related_order"`
		RelatedProduct string `json:"related_product"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conversation, created, err := h.Chat.CreateConversation(c.Request.Context(), chatservice.CreateConversationParams{
		Kind:           domainchat.Kind(req.Kind),
		UserA:          caller.ID,
		UserB:          req.UserID,
		RelatedOrder:   strings.TrimSpace(req.RelatedOrder),
		RelatedProduct: strings.TrimSpace(req.RelatedProduct),
	})
	if err != nil {
		h.respondChatError(c, err, "create conversation", "user_id", caller.ID, "peer_id", req.UserID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.conversationDTO(c.Request.Context(), conversation, caller.ID))
}

// Get returns a conversation with a page of its messages. Fetching marks the
// caller as caught up.
func (h ChatHandler) Get(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	page := parsePositiveInt(c.Query("page"), 1)
	pageSize := parsePositiveInt(c.Query("page_size"), h.pageSize())

	view, err := h.Chat.GetConversation(c.Request.Context(), conversationID, caller.ID, page, pageSize)
	if err != nil {
		h.respondChatError(c, err, "load conversation", "conversation_id", conversationID, "user_id", caller.ID)
		return
	}
	detail := dto.ConversationDetail{
		Conversation: h.conversationDTO(c.Request.Context(), view.Conversation, caller.ID),
		Messages:     make([]dto.Message, 0, len(view.Messages)),
		Page:         page,
		PageSize:     pageSize,
		Total:        view.TotalVisible,
	}
	for i := range view.Messages {
		detail.Messages = append(detail.Messages, dto.NewMessage(conversationID, &view.Messages[i]))
	}
	c.JSON(http.StatusOK, detail)
}

// SendMessage appends a message to a conversation.
func (h ChatHandler) SendMessage(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	var req struct {
		Content     string           `json:"content"`
		Type        string           `json:"type"`
		Attachments []dto.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	attachments := make([]domainchat.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, domainchat.Attachment{URL: a.URL, ContentType: a.ContentType, Name: a.Name, Size: a.Size})
	}
	message, duplicate, err := h.Chat.SendMessage(c.Request.Context(), chatservice.SendParams{
		ConversationID: conversationID,
		SenderID:       caller.ID,
		Content:        req.Content,
		Type:           domainchat.MessageType(req.Type),
		Attachments:    attachments,
	})
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", conversationID, "user_id", caller.ID)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.NewMessage(conversationID, message))
}

// MarkRead marks every incoming message in the conversation as read by the
// caller.
func (h ChatHandler) MarkRead(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	messageIDs, err := h.Chat.MarkRead(c.Request.Context(), conversationID, caller.ID)
	if err != nil {
		h.respondChatError(c, err, "mark read", "conversation_id", conversationID, "user_id", caller.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_ids": messageIDs})
}

// ToggleBlock flips the caller's block on the conversation.
func (h ChatHandler) ToggleBlock(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	block, err := h.Chat.ToggleBlock(c.Request.Context(), conversationID, caller.ID)
	if err != nil {
		h.respondChatError(c, err, "toggle block", "conversation_id", conversationID, "user_id", caller.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_blocked": block.IsBlocked, "blocked_by": block.BlockedBy})
}

// DeleteMessage soft-deletes the caller's own message.
func (h ChatHandler) DeleteMessage(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	messageID := strings.TrimSpace(c.Param("messageID"))
	if conversationID == "" || messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation and message ids are required"})
		return
	}
	message, err := h.Chat.DeleteMessage(c.Request.Context(), conversationID, messageID, caller.ID)
	if err != nil {
		h.respondChatError(c, err, "delete message", "conversation_id", conversationID, "message_id", messageID, "user_id", caller.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewMessage(conversationID, message))
}

// EditMessage replaces the content of the caller's own message.
func (h ChatHandler) EditMessage(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	messageID := strings.TrimSpace(c.Param("messageID"))
	if conversationID == "" || messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation and message ids are required"})
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	message, err := h.Chat.EditMessage(c.Request.Context(), conversationID, messageID, caller.ID, req.Content)
	if err != nil {
		h.respondChatError(c, err, "edit message", "conversation_id", conversationID, "message_id", messageID, "user_id", caller.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewMessage(conversationID, message))
}

// Search finds the caller's messages matching a query.
func (h ChatHandler) Search(c *gin.Context) {
	caller, ok := requireAuth(c)
	if !ok {
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	limit := parsePositiveInt(c.Query("limit"), 20)

	hits, err := h.Chat.Search(c.Request.Context(), caller.ID, query, limit)
	if err != nil {
		h.respondChatError(c, err, "search messages", "user_id", caller.ID)
		return
	}
	result := dto.SearchResult{Items: make([]dto.SearchHit, 0, len(hits))}
	for _, hit := range hits {
		result.Items = append(result.Items, dto.SearchHit{
			ConversationID: hit.ConversationID,
			MessageID:      hit.MessageID,
			SenderID:       hit.SenderID,
			Snippet:        hit.Snippet,
			CreatedAt:      hit.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, result)
}

// UploadAttachment stores a multipart file and returns its public URL.
func (h ChatHandler) UploadAttachment(c *gin.Context) {
	_, ok := requireAuth(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	reader, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer reader.Close()

	contentType := file.Header.Get("Content-Type")
	url, err := h.Uploads.Upload(c.Request.Context(), file.Filename, reader, contentType)
	if err != nil {
		if errors.Is(err, s3.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attachment storage unavailable"})
			return
		}
		if h.Logger != nil {
			h.Logger.Error("attachment upload failed", "filename", file.Filename, "error", err)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
		return
	}
	c.JSON(http.StatusCreated, dto.Attachment{
		URL:         url,
		ContentType: contentType,
		Name:        file.Filename,
		Size:        file.Size,
	})
}

// conversationDTO expands participant ids through the directory. Unknown
// users still appear, with the id only.
func (h ChatHandler) conversationDTO(ctx context.Context, conversation *domainchat.Conversation, viewerID string) dto.Conversation {
	participants := make([]dto.Participant, 0, len(conversation.Participants))
	for _, p := range conversation.Participants {
		user := dto.User{ID: p.UserID, Active: true}
		if h.Directory != nil {
			if resolved, err := h.Directory.Lookup(ctx, p.UserID); err == nil {
				user = dto.NewUser(resolved)
			}
		}
		participants = append(participants, dto.Participant{
			User:       user,
			JoinedAt:   p.JoinedAt,
			LastSeenAt: p.LastSeenAt,
		})
	}
	return dto.NewConversation(conversation, viewerID, participants)
}

func (h ChatHandler) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return 20
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, domainchat.ErrConversationNotFound),
		errors.Is(err, domainchat.ErrMessageNotFound),
		errors.Is(err, chatservice.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domainchat.ErrNotParticipant),
		errors.Is(err, domainchat.ErrNotAuthor),
		errors.Is(err, domainchat.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domainchat.ErrContentRequired),
		errors.Is(err, domainchat.ErrContentTooLong),
		errors.Is(err, domainchat.ErrInvalidType),
		errors.Is(err, domainchat.ErrSenderRequired),
		errors.Is(err, domainchat.ErrSelfConversation),
		errors.Is(err, domainchat.ErrParticipantsRequired),
		errors.Is(err, domainchat.ErrInvalidKind),
		errors.Is(err, chatservice.ErrQueryRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domainchat.ErrMessageDeleted),
		errors.Is(err, domainchat.ErrConflict),
		errors.Is(err, chatservice.ErrCreateRace):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		if h.Logger != nil {
			base := []any{"action", action, "request_id", obs.RequestIDFromContext(c.Request.Context()), "error", err}
			h.Logger.Error("chat request failed", append(base, attrs...)...)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parsePositiveInt(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

var _ ChatHTTP = (*ChatHandler)(nil)
