package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/store"
)

// ErrMissingToken is returned when no credential was presented at all.
// The API maps it to 403 (absent Authorization header).
var ErrMissingToken = errors.New("auth: missing token")

// ErrInvalidKey is returned when the presented key is unknown or revoked.
var ErrInvalidKey = errors.New("auth: invalid or revoked api key")

// ErrUserInactive is returned when the key resolves to a missing or
// deactivated user.
var ErrUserInactive = errors.New("auth: user not found or inactive")

// Authenticator resolves bearer tokens to users. It is safe for concurrent
// use; every request on the API goes through it.
type Authenticator struct {
	users  store.UserStore
	keys   store.APIKeyStore
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator over the given stores.
func NewAuthenticator(users store.UserStore, keys store.APIKeyStore, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		users:  users,
		keys:   keys,
		logger: logger.Named("auth"),
	}
}

// Authenticate validates a plaintext API key and returns the owning user.
//
// The key is hashed and looked up; the key and its user must both exist and
// be active. On success the key's last_used_at is bumped before returning —
// committed synchronously so the update is observable immediately (and
// testable), at the cost of ~1 extra write per request.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*db.User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	key, err := a.keys.GetByHash(ctx, HashKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("auth: key lookup: %w", err)
	}
	if !key.IsActive {
		return nil, ErrInvalidKey
	}

	user, err := a.users.GetByID(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserInactive
		}
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	if err := a.keys.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		// Usage stamping must not block authentication.
		a.logger.Warn("failed to update key last_used_at",
			zap.String("key_id", key.ID.String()),
			zap.Error(err),
		)
	}

	return user, nil
}
