package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	domainidentity "tradepost/internal/domain/identity"
)

const principalContextKey = "tradepost.principal"

type principal struct {
	ID        string
	Name      string
	AvatarURL string
}

// AuthMiddleware resolves a bearer token to a principal. Unauthenticated
// requests pass through; handlers that need a caller reject them.
type AuthMiddleware struct {
	Verifier  domainidentity.TokenVerifier
	Directory domainidentity.Directory
	Logger    *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" || m.Verifier == nil {
		c.Next()
		return
	}
	userID, err := m.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, domainidentity.ErrInvalidToken) && m.Logger != nil {
			m.Logger.Debug("token verification failed", "error", err)
		}
		c.Next()
		return
	}
	p := principal{ID: userID}
	if m.Directory != nil {
		if user, err := m.Directory.Lookup(c.Request.Context(), userID); err == nil {
			p.Name = user.Name
			p.AvatarURL = user.AvatarURL
		}
	}
	setPrincipal(c, p)
	c.Next()
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireAuth(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
