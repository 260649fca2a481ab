package identity

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound  = errors.New("identity: user not found")
	ErrUserInactive  = errors.New("identity: user is inactive")
	ErrInvalidToken  = errors.New("identity: invalid token")
	ErrTokenRequired = errors.New("identity: token is required")
)

// User is the expanded display shape resolved through the Directory.
type User struct {
	ID        string
	Name      string
	AvatarURL string
	Active    bool
}

// Directory resolves user ids to display data. Implemented outside the chat
// core by the identity store.
type Directory interface {
	Lookup(ctx context.Context, id string) (User, error)
}

// TokenVerifier turns a connection credential into a user id. Implemented
// outside the chat core by the authentication service.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}
