package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kilnci/kiln/internal/db"
)

// gormUserStore is the GORM implementation of UserStore.
type gormUserStore struct {
	db *gorm.DB
}

// NewUserStore returns a UserStore backed by the provided *gorm.DB.
func NewUserStore(database *gorm.DB) UserStore {
	return &gormUserStore{db: database}
}

// Create inserts a new user. Returns ErrConflict when the email is taken.
func (s *gormUserStore) Create(ctx context.Context, user *db.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by UUID. Returns ErrNotFound if absent.
func (s *gormUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by email (unique, indexed).
func (s *gormUserStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// List returns all users ordered by creation time ascending.
func (s *gormUserStore) List(ctx context.Context) ([]db.User, error) {
	var users []db.User
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	return users, nil
}

// SetActive flips the soft-active flag. A missing row is a silent no-op.
func (s *gormUserStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	err := s.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", id).
		Update("is_active", active).Error
	if err != nil {
		return fmt.Errorf("users: set active: %w", err)
	}
	return nil
}
