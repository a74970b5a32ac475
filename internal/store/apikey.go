package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kilnci/kiln/internal/db"
)

// gormAPIKeyStore is the GORM implementation of APIKeyStore.
type gormAPIKeyStore struct {
	db *gorm.DB
}

// NewAPIKeyStore returns an APIKeyStore backed by the provided *gorm.DB.
func NewAPIKeyStore(database *gorm.DB) APIKeyStore {
	return &gormAPIKeyStore{db: database}
}

// Create inserts a new API key row. Returns ErrConflict when the hash
// collides with a stored key.
func (s *gormAPIKeyStore) Create(ctx context.Context, key *db.APIKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("apikeys: create: %w", err)
	}
	return nil
}

// GetByHash looks up a key by its SHA-256 hash (unique, indexed).
// This is the hot path of every authenticated request.
func (s *gormAPIKeyStore) GetByHash(ctx context.Context, hash string) (*db.APIKey, error) {
	var key db.APIKey
	err := s.db.WithContext(ctx).First(&key, "key_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by hash: %w", err)
	}
	return &key, nil
}

// ListByUser returns all keys (active and revoked) owned by a user.
func (s *gormAPIKeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.APIKey, error) {
	var keys []db.APIKey
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("apikeys: list by user: %w", err)
	}
	return keys, nil
}

// Revoke soft-deletes a key by clearing its active flag. The row is kept so
// the key's history (name, last use) remains auditable.
func (s *gormAPIKeyStore) Revoke(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("apikeys: revoke: %w", err)
	}
	return nil
}

// TouchLastUsed stamps the key's last_used_at. A missing row is a no-op.
func (s *gormAPIKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, ts time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", ts).Error
	if err != nil {
		return fmt.Errorf("apikeys: touch last used: %w", err)
	}
	return nil
}
