package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/app/dto"
	chatservice "tradepost/internal/app/services/chat"
	"tradepost/internal/app/services/presence"
	domainchat "tradepost/internal/domain/chat"
	domainidentity "tradepost/internal/domain/identity"
)

// Hub owns the room registry and event fan-out. One goroutine per
// connection reads events; delegated failures come back to the requesting
// connection only, as error frames, and never tear down the socket.
type Hub struct {
	Chat      *chatservice.Service
	Presence  *presence.Tracker
	Directory domainidentity.Directory
	Logger    *slog.Logger
	Clock     func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

func NewHub(chat *chatservice.Service, tracker *presence.Tracker, directory domainidentity.Directory, logger *slog.Logger) *Hub {
	return &Hub{
		Chat:      chat,
		Presence:  tracker,
		Directory: directory,
		Logger:    logger,
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
	}
}

func conversationRoom(id string) string { return "conversation:" + id }
func userRoom(id string) string         { return "user:" + id }

func (h *Hub) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// HandleConnection runs the full lifetime of an authenticated connection:
// registration, the read loop, and teardown. It returns when the transport
// closes.
func (h *Hub) HandleConnection(ctx context.Context, conn Conn, userID string) {
	client := newClient(uuid.NewString(), userID, conn)
	h.register(client)
	go client.writePump()
	defer h.unregister(client)

	h.pushOnlineSnapshot(ctx, client)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.handleEvent(ctx, client, env)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.joinLocked(client, userRoom(client.userID))
	h.mu.Unlock()

	now := h.now()
	firstConnection := h.Presence.MarkOnline(client.userID, client.id, now)
	if firstConnection {
		h.broadcast(Outbound{Event: EventUserOnline, Data: presencePayload{UserID: client.userID, At: now}}, client.userID)
	}
	if h.Logger != nil {
		h.Logger.Info("client connected", "user_id", client.userID, "connection_id", client.id)
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	for room, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	client.close()

	lastConnection := h.Presence.MarkOffline(client.userID, client.id)
	if lastConnection {
		h.broadcast(Outbound{Event: EventUserOffline, Data: presencePayload{UserID: client.userID, At: h.now()}}, client.userID)
		// disconnect must not cancel the last-seen write
		if err := h.Chat.TouchLastSeen(context.Background(), client.userID); err != nil && h.Logger != nil {
			h.Logger.Warn("last seen persist failed", "user_id", client.userID, "error", err)
		}
	}
	if h.Logger != nil {
		h.Logger.Info("client disconnected", "user_id", client.userID, "connection_id", client.id)
	}
}

// pushOnlineSnapshot sends the best-effort list of currently-online users to
// a freshly connected client.
func (h *Hub) pushOnlineSnapshot(ctx context.Context, client *Client) {
	ids := h.Presence.OnlineUsers()
	users := make([]dto.User, 0, len(ids))
	for _, id := range ids {
		if h.Directory == nil {
			users = append(users, dto.User{ID: id, Active: true})
			continue
		}
		user, err := h.Directory.Lookup(ctx, id)
		if err != nil {
			continue
		}
		users = append(users, dto.NewUser(user))
	}
	client.enqueue(Outbound{Event: EventOnlineUsers, Data: users})
}

func (h *Hub) handleEvent(ctx context.Context, client *Client, env Envelope) {
	switch env.Event {
	case EventJoin:
		h.handleJoin(ctx, client, env)
	case EventLeave:
		h.handleLeave(client, env)
	case EventMessage:
		h.handleMessage(ctx, client, env)
	case EventRead:
		h.handleRead(ctx, client, env)
	case EventTyping:
		h.handleTyping(client, env)
	case EventLocation:
		h.handleLocation(ctx, client, env)
	default:
		h.sendError(client, "validation_error", fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (h *Hub) handleJoin(ctx context.Context, client *Client, env Envelope) {
	var req joinRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	ok, err := h.Chat.IsParticipant(ctx, req.ConversationID, client.userID)
	if err != nil {
		h.sendServiceError(client, err)
		return
	}
	if !ok {
		h.sendError(client, "not_participant", "not a participant of this conversation")
		return
	}
	h.mu.Lock()
	h.joinLocked(client, conversationRoom(req.ConversationID))
	h.mu.Unlock()
	client.enqueue(Outbound{Event: EventJoined, Data: ackPayload{ConversationID: req.ConversationID}})
}

func (h *Hub) handleLeave(client *Client, env Envelope) {
	var req joinRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	h.mu.Lock()
	h.leaveLocked(client, conversationRoom(req.ConversationID))
	h.mu.Unlock()
	client.enqueue(Outbound{Event: EventLeft, Data: ackPayload{ConversationID: req.ConversationID}})
}

func (h *Hub) handleMessage(ctx context.Context, client *Client, env Envelope) {
	var req sendRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	attachments := make([]domainchat.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, domainchat.Attachment{URL: a.URL, ContentType: a.ContentType, Name: a.Name, Size: a.Size})
	}
	message, duplicate, err := h.Chat.SendMessage(ctx, chatservice.SendParams{
		ConversationID: req.ConversationID,
		SenderID:       client.userID,
		Content:        req.Content,
		Type:           domainchat.MessageType(req.Type),
		Attachments:    attachments,
	})
	if err != nil {
		h.sendServiceError(client, err)
		return
	}
	payload := dto.NewMessage(req.ConversationID, message)
	if duplicate {
		client.enqueue(Outbound{Event: EventNewMessage, Data: payload})
		return
	}
	h.fanOutMessage(req.ConversationID, client.userID, payload)
}

func (h *Hub) handleRead(ctx context.Context, client *Client, env Envelope) {
	var req readRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	messageIDs, err := h.Chat.MarkRead(ctx, req.ConversationID, client.userID)
	if err != nil {
		h.sendServiceError(client, err)
		return
	}
	if len(messageIDs) == 0 {
		return
	}
	h.broadcastRoom(conversationRoom(req.ConversationID), Outbound{
		Event: EventReadReceipt,
		Data: readReceiptPayload{
			ConversationID: req.ConversationID,
			UserID:         client.userID,
			MessageIDs:     messageIDs,
			ReadAt:         h.now(),
		},
	}, client.userID)
}

func (h *Hub) handleTyping(client *Client, env Envelope) {
	var req typingRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	room := conversationRoom(req.ConversationID)
	if !h.inRoom(client, room) {
		h.sendError(client, "not_participant", "join the conversation before typing")
		return
	}
	h.broadcastRoom(room, Outbound{
		Event: EventTypingRelay,
		Data:  typingPayload{ConversationID: req.ConversationID, UserID: client.userID, Typing: req.Typing},
	}, client.userID)
}

func (h *Hub) handleLocation(ctx context.Context, client *Client, env Envelope) {
	var req locationRequest
	if err := decode(env, &req); err != nil || req.ConversationID == "" {
		h.sendError(client, "validation_error", "conversation_id is required")
		return
	}
	content := fmt.Sprintf("%.6f,%.6f", req.Latitude, req.Longitude)
	message, duplicate, err := h.Chat.SendMessage(ctx, chatservice.SendParams{
		ConversationID: req.ConversationID,
		SenderID:       client.userID,
		Content:        content,
		Type:           domainchat.TypeLocation,
	})
	if err != nil {
		h.sendServiceError(client, err)
		return
	}
	payload := dto.NewMessage(req.ConversationID, message)
	if duplicate {
		client.enqueue(Outbound{Event: EventNewMessage, Data: payload})
		return
	}
	h.fanOutMessage(req.ConversationID, client.userID, payload)
}

// fanOutMessage delivers a new message to everyone in the conversation room
// and to the sender's personal room, so the sender's other devices stay in
// sync even when not joined. Each client receives the frame once.
func (h *Hub) fanOutMessage(conversationID, senderID string, payload dto.Message) {
	out := Outbound{Event: EventNewMessage, Data: payload}
	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for member := range h.rooms[conversationRoom(conversationID)] {
		targets[member] = struct{}{}
	}
	for member := range h.rooms[userRoom(senderID)] {
		targets[member] = struct{}{}
	}
	h.mu.RUnlock()
	for member := range targets {
		member.enqueue(out)
	}
}

// broadcastRoom sends to every room member except connections of the
// excluded user.
func (h *Hub) broadcastRoom(room string, out Outbound, excludeUser string) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for member := range h.rooms[room] {
		if member.userID == excludeUser {
			continue
		}
		members = append(members, member)
	}
	h.mu.RUnlock()
	for _, member := range members {
		member.enqueue(out)
	}
}

// broadcast sends to every connected client except those of the excluded
// user.
func (h *Hub) broadcast(out Outbound, excludeUser string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.userID == excludeUser {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	for _, target := range targets {
		target.enqueue(out)
	}
}

func (h *Hub) joinLocked(client *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
}

func (h *Hub) leaveLocked(client *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) inRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][client]
	return ok
}

// RoomSize reports the number of connections joined to a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationRoom(conversationID)])
}

func (h *Hub) sendError(client *Client, code, message string) {
	client.enqueue(Outbound{Event: EventError, Data: errorPayload{Code: code, Message: message}})
}

func (h *Hub) sendServiceError(client *Client, err error) {
	code, message := classifyError(err)
	if code == "internal" && h.Logger != nil {
		h.Logger.Error("realtime request failed", "user_id", client.userID, "error", err)
	}
	h.sendError(client, code, message)
}

// classifyError maps service failures onto wire error codes. Internal
// details never reach the client.
func classifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, domainchat.ErrConversationNotFound),
		errors.Is(err, domainchat.ErrMessageNotFound):
		return "not_found", err.Error()
	case errors.Is(err, domainchat.ErrNotParticipant),
		errors.Is(err, domainchat.ErrNotAuthor):
		return "not_participant", err.Error()
	case errors.Is(err, domainchat.ErrBlocked):
		return "blocked", err.Error()
	case errors.Is(err, domainchat.ErrContentRequired),
		errors.Is(err, domainchat.ErrContentTooLong),
		errors.Is(err, domainchat.ErrInvalidType),
		errors.Is(err, domainchat.ErrSenderRequired),
		errors.Is(err, domainchat.ErrSelfConversation),
		errors.Is(err, domainchat.ErrParticipantsRequired),
		errors.Is(err, domainchat.ErrInvalidKind),
		errors.Is(err, domainchat.ErrMessageDeleted),
		errors.Is(err, chatservice.ErrUnknownUser),
		errors.Is(err, chatservice.ErrQueryRequired):
		return "validation_error", err.Error()
	default:
		return "internal", "internal error"
	}
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("realtime: empty event data")
	}
	return json.Unmarshal(env.Data, v)
}
