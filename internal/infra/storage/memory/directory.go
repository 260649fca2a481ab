package memory

import (
	"context"
	"strings"
	"sync"

	domainidentity "tradepost/internal/domain/identity"
)

// SecretComparer checks a presented token secret against its stored hash.
type SecretComparer interface {
	Compare(hash, secret string) error
}

// Directory is an in-memory identity collaborator: user display data plus
// hashed access tokens. Not suitable for production.
type Directory struct {
	mu      sync.RWMutex
	users   map[string]domainidentity.User
	secrets map[string]string
	compare SecretComparer
}

func NewDirectory(compare SecretComparer) *Directory {
	return &Directory{
		users:   make(map[string]domainidentity.User),
		secrets: make(map[string]string),
		compare: compare,
	}
}

// Put registers or replaces a user together with the hash of their token
// secret.
func (d *Directory) Put(user domainidentity.User, secretHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
	if secretHash != "" {
		d.secrets[user.ID] = secretHash
	}
}

func (d *Directory) Lookup(ctx context.Context, id string) (domainidentity.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[id]
	if !ok {
		return domainidentity.User{}, domainidentity.ErrUserNotFound
	}
	return user, nil
}

// Verify resolves a "userID:secret" token to the user id. Inactive users
// cannot authenticate.
func (d *Directory) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domainidentity.ErrTokenRequired
	}
	userID, secret, ok := strings.Cut(token, ":")
	if !ok || userID == "" || secret == "" {
		return "", domainidentity.ErrInvalidToken
	}

	d.mu.RLock()
	user, userOK := d.users[userID]
	hash, hashOK := d.secrets[userID]
	d.mu.RUnlock()

	if !userOK || !hashOK {
		return "", domainidentity.ErrInvalidToken
	}
	if d.compare == nil || d.compare.Compare(hash, secret) != nil {
		return "", domainidentity.ErrInvalidToken
	}
	if !user.Active {
		return "", domainidentity.ErrUserInactive
	}
	return userID, nil
}
