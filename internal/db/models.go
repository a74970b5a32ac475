package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job status values. A job is terminal once it reaches completed, failed or
// cancelled; terminal jobs never transition again.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// TerminalStatuses lists the job states that never transition again.
var TerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsTerminalStatus reports whether status is one of the terminal job states.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Base contains the common fields shared by the identity models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort.
// The struct must be exported: GORM only maps exported fields, and an
// embedded struct's field name is its type name.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// User is an account that owns API keys and jobs. Users are created by the
// admin CLI and never deleted — deactivation is a soft flag that blocks
// authentication for every key the user holds.
type User struct {
	Base
	Name     string `gorm:"not null"`
	Email    string `gorm:"uniqueIndex;not null"`
	IsActive bool   `gorm:"not null;default:true"`
}

// APIKey is a bearer credential. Only the SHA-256 hash of the key is stored;
// the plaintext is returned exactly once at creation. Revocation is soft
// (IsActive=false) so the row and its last-used history survive.
type APIKey struct {
	Base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	KeyHash    string    `gorm:"uniqueIndex;not null"`
	Name       string    `gorm:"default:''"`
	LastUsedAt *time.Time
	IsActive   bool `gorm:"not null;default:true"`
}

// Job is the durable control-plane record of a test submission.
//
// The API inserts jobs in status queued with ArchivePath pointing at the
// stashed upload; every later transition is owned by the controller.
// Success stays nil until the job is terminal and is immutable once set.
// SandboxID is the runtime identifier of the sandbox container; it is set
// when the controller starts the job and is required while status is running.
type Job struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey"`
	Status      string    `gorm:"not null;default:'queued'"`
	Success     *bool
	StartTime   *time.Time
	EndTime     *time.Time
	SandboxID   string    `gorm:"default:''"`
	ArchivePath string    `gorm:"default:''"`
	UserID      uuid.UUID `gorm:"type:text;index"`
}

// BeforeCreate fills in a UUID v7 when the caller has not chosen an ID.
// The submit path generates the ID up front (it names the stashed archive),
// so this only fires for jobs created without one.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		j.ID = id
	}
	return nil
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return IsTerminalStatus(j.Status)
}
