package ginserver

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradepost/internal/app/realtime"
	domainidentity "tradepost/internal/domain/identity"
)

// WSHandler authenticates websocket upgrades and hands connections to the
// hub. Browsers cannot set headers on the upgrade request, so the token
// travels in the query string.
type WSHandler struct {
	Hub              *realtime.Hub
	Verifier         domainidentity.TokenVerifier
	HandshakeTimeout time.Duration
	Logger           *slog.Logger

	upgrader *websocket.Upgrader
}

func NewWSHandler(hub *realtime.Hub, verifier domainidentity.TokenVerifier, handshakeTimeout time.Duration, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		Hub:              hub,
		Verifier:         verifier,
		HandshakeTimeout: handshakeTimeout,
		Logger:           logger,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Handle(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = extractBearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	userID, err := h.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		}
		return
	}
	h.Hub.HandleConnection(c.Request.Context(), conn, userID)
}
