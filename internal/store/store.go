// Package store provides durable, serialized access to users, API keys and
// jobs. It exposes only primitive operations — each method is a single
// database transaction and carries no business logic. State transitions are
// decided by the callers: the API creates queued jobs, the controller owns
// every transition after that, and the admin CLI manages identity rows.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kilnci/kiln/internal/db"
)

// JobStore persists control-plane job records.
//
// Update-style operations (UpdateStatus, Complete) on a missing row are a
// silent no-op: callers that need existence must check with GetByID first.
// This keeps the controller's reconciliation idempotent — a job deleted
// between the list and the write simply produces no write.
type JobStore interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// UpdateStatus sets the job status and, when non-zero, the start time and
	// sandbox ID. It never touches success or end_time.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, startTime *time.Time, sandboxID string) error

	// Complete moves the job into the given terminal status, freezing success
	// and end_time in the same transaction. An already-terminal row is left
	// untouched.
	Complete(ctx context.Context, id uuid.UUID, status string, success bool, endTime time.Time) error

	// ListAll returns every job ordered by start_time descending with
	// never-started (queued) jobs last.
	ListAll(ctx context.Context) ([]db.Job, error)

	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Job, error)
}

// UserStore persists user accounts. Users are never deleted; deactivation
// is a soft flag.
type UserStore interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	List(ctx context.Context) ([]db.User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// APIKeyStore persists hashed bearer credentials.
type APIKeyStore interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByHash(ctx context.Context, hash string) (*db.APIKey, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error

	// TouchLastUsed records key usage. Last-used timestamps carry no ordering
	// guarantee beyond "non-decreasing per key"; a missing row is a no-op.
	TouchLastUsed(ctx context.Context, id uuid.UUID, ts time.Time) error
}
