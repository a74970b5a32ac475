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

// gormJobStore is the GORM implementation of JobStore.
type gormJobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by the provided *gorm.DB.
func NewJobStore(database *gorm.DB) JobStore {
	return &gormJobStore{db: database}
}

// Create inserts a new job record.
func (s *gormJobStore) Create(ctx context.Context, job *db.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID. Returns ErrNotFound if no record exists.
func (s *gormJobStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// UpdateStatus updates the job status and optionally start_time and
// sandbox_id. A missing row is a silent no-op (see JobStore).
func (s *gormJobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string, startTime *time.Time, sandboxID string) error {
	updates := map[string]interface{}{"status": status}
	if startTime != nil {
		updates["start_time"] = startTime
	}
	if sandboxID != "" {
		updates["sandbox_id"] = sandboxID
	}

	err := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("jobs: update status: %w", err)
	}
	return nil
}

// Complete moves the job into a terminal status, setting success and
// end_time in the same transaction. A missing row is a silent no-op, and so
// is a row that is already terminal: the first recorded verdict sticks.
func (s *gormJobStore) Complete(ctx context.Context, id uuid.UUID, status string, success bool, endTime time.Time) error {
	if !db.IsTerminalStatus(status) {
		return fmt.Errorf("jobs: complete: %q is not a terminal status", status)
	}

	err := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, db.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":   status,
			"success":  success,
			"end_time": endTime,
		}).Error
	if err != nil {
		return fmt.Errorf("jobs: complete: %w", err)
	}
	return nil
}

// ListAll returns every job ordered by start_time descending; jobs that have
// never started (start_time NULL) sort last.
func (s *gormJobStore) ListAll(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Order("start_time IS NULL, start_time DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list all: %w", err)
	}
	return jobs, nil
}

// ListByUser returns the jobs owned by a user, most recently started first.
func (s *gormJobStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time IS NULL, start_time DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by user: %w", err)
	}
	return jobs, nil
}
