package controller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/sandbox"
	"github.com/kilnci/kiln/internal/store"
)

// fakeDriver is an in-memory Driver: "owned" is the runtime's world, and
// every mutating call is recorded for assertions.
type fakeDriver struct {
	mu        sync.Mutex
	owned     []sandbox.Info
	createErr error
	startErr  error

	created []uuid.UUID
	started []string
	cleaned []uuid.UUID
}

func (f *fakeDriver) Create(_ context.Context, jobID uuid.UUID, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.created = append(f.created, jobID)
	scratch, err := os.MkdirTemp("", "scratch_")
	if err != nil {
		return "", "", err
	}
	return "sbx-" + jobID.String(), scratch, nil
}

func (f *fakeDriver) Start(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, sandboxID)
	return nil
}

func (f *fakeDriver) Inspect(_ context.Context, jobID uuid.UUID) (*sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.owned {
		if f.owned[i].JobID == jobID {
			info := f.owned[i]
			return &info, nil
		}
	}
	return nil, nil
}

func (f *fakeDriver) ListOwned(_ context.Context) ([]sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Info, len(f.owned))
	copy(out, f.owned)
	return out, nil
}

func (f *fakeDriver) Cleanup(_ context.Context, jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, jobID)
	kept := f.owned[:0]
	for _, info := range f.owned {
		if info.JobID != jobID {
			kept = append(kept, info)
		}
	}
	f.owned = kept
}

type fixture struct {
	jobs   store.JobStore
	driver *fakeDriver
	ctrl   *Controller
	userID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	users := store.NewUserStore(database)
	user := &db.User{Name: "Test User", Email: "test@example.com", IsActive: true}
	require.NoError(t, users.Create(context.Background(), user))

	jobs := store.NewJobStore(database)
	driver := &fakeDriver{}
	ctrl, err := New(jobs, driver, time.Second, zap.NewNop())
	require.NoError(t, err)

	return &fixture{jobs: jobs, driver: driver, ctrl: ctrl, userID: user.ID}
}

// queuedJob inserts a queued job whose archive exists on disk.
func (f *fixture) queuedJob(t *testing.T) *db.Job {
	t.Helper()

	archive := filepath.Join(t.TempDir(), "project.zip")
	require.NoError(t, os.WriteFile(archive, []byte("zip bytes"), 0o644))

	job := &db.Job{Status: db.JobStatusQueued, ArchivePath: archive, UserID: f.userID}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func (f *fixture) runningJob(t *testing.T) *db.Job {
	t.Helper()

	job := f.queuedJob(t)
	now := time.Now().UTC()
	sandboxID := "sbx-" + job.ID.String()
	require.NoError(t, f.jobs.UpdateStatus(context.Background(), job.ID, db.JobStatusRunning, &now, sandboxID))
	job.Status = db.JobStatusRunning
	job.SandboxID = sandboxID
	return job
}

func TestReconcileStartsQueuedJob(t *testing.T) {
	f := newFixture(t)
	job := f.queuedJob(t)

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, got.Status)
	assert.Equal(t, "sbx-"+job.ID.String(), got.SandboxID)
	require.NotNil(t, got.StartTime)

	assert.Equal(t, []uuid.UUID{job.ID}, f.driver.created)
	assert.Equal(t, []string{"sbx-" + job.ID.String()}, f.driver.started)
}

func TestReconcileMissingArchiveFailsJob(t *testing.T) {
	f := newFixture(t)

	job := &db.Job{Status: db.JobStatusQueued, ArchivePath: "/nonexistent/archive.zip", UserID: f.userID}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
	require.NotNil(t, got.EndTime)
	assert.Empty(t, f.driver.created)
}

func TestReconcileNoArchivePathFailsJob(t *testing.T) {
	f := newFixture(t)

	job := &db.Job{Status: db.JobStatusQueued, UserID: f.userID}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
}

func TestReconcileQueuedJobWithSandboxCleansUp(t *testing.T) {
	f := newFixture(t)
	job := f.queuedJob(t)

	// A sandbox exists for a job that never recorded a start: leftover
	// state from an interrupted attempt.
	f.driver.owned = []sandbox.Info{{ID: "stale", JobID: job.ID, Status: sandbox.StatusCreated}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	assert.Equal(t, []uuid.UUID{job.ID}, f.driver.cleaned)
	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, got.Status, "job stays queued for a clean retry next tick")
}

func TestReconcileRestartsExistingSandbox(t *testing.T) {
	f := newFixture(t)
	job := f.queuedJob(t)

	// Interrupted earlier attempt: sandbox recorded on the job and present
	// in the runtime, but the job never transitioned.
	sandboxID := "sbx-existing"
	require.NoError(t, f.jobs.UpdateStatus(context.Background(), job.ID, db.JobStatusQueued, nil, sandboxID))
	f.driver.owned = []sandbox.Info{{ID: sandboxID, JobID: job.ID, Status: sandbox.StatusCreated}}

	// The queued-with-sandbox rule removes it; next tick starts clean. Walk
	// both ticks to observe the retry converge.
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, got.Status)
}

func TestReconcileFinalizesExitZero(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	finished := time.Now().UTC()
	f.driver.owned = []sandbox.Info{{
		ID:         job.SandboxID,
		JobID:      job.ID,
		Status:     sandbox.StatusExited,
		ExitCode:   0,
		FinishedAt: &finished,
	}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	require.NotNil(t, got.EndTime)
}

func TestReconcileFinalizesExitNonZero(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	f.driver.owned = []sandbox.Info{{
		ID:       job.SandboxID,
		JobID:    job.ID,
		Status:   sandbox.StatusExited,
		ExitCode: 1,
	}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status, "a failing test suite is a verdict, not an infrastructure failure")
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileSandboxLostFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	// No sandbox in the runtime for a running job.
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileDeadSandboxFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	f.driver.owned = []sandbox.Info{{ID: job.SandboxID, JobID: job.ID, Status: sandbox.StatusDead}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
}

func TestReconcileRunningSandboxIsNoOp(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	f.driver.owned = []sandbox.Info{{ID: job.SandboxID, JobID: job.ID, Status: sandbox.StatusRunning}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, got.Status)
	assert.Empty(t, f.driver.cleaned)
	assert.Empty(t, f.driver.created)
}

func TestReconcileReapsOrphanedSandboxes(t *testing.T) {
	f := newFixture(t)

	orphanID := uuid.Must(uuid.NewV7())
	f.driver.owned = []sandbox.Info{{ID: "sbx-orphan", JobID: orphanID, Status: sandbox.StatusExited}}

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	assert.Equal(t, []uuid.UUID{orphanID}, f.driver.cleaned)
}

func TestReconcileTerminalJobsAtRest(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	f.driver.owned = []sandbox.Info{{ID: job.SandboxID, JobID: job.ID, Status: sandbox.StatusExited, ExitCode: 0}}
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	// A terminal job with a retained sandbox is the steady state: further
	// passes change nothing and never touch the sandbox.
	before, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	after, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, *before.Success, *after.Success)
	assert.Empty(t, f.driver.cleaned, "retained sandboxes of terminal jobs are never reaped")
	assert.Len(t, f.driver.created, 0)
}

func TestReconcileTerminalReclaimsArchive(t *testing.T) {
	f := newFixture(t)
	job := f.queuedJob(t)

	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))
	f.driver.owned = []sandbox.Info{{ID: "sbx-" + job.ID.String(), JobID: job.ID, Status: sandbox.StatusExited, ExitCode: 0}}
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))

	// The terminal pass reclaims the staged archive.
	require.NoError(t, f.ctrl.ReconcileOnce(context.Background()))
	_, err := os.Stat(job.ArchivePath)
	assert.True(t, os.IsNotExist(err))
}

func TestControllerInvalidIntervalFallsBack(t *testing.T) {
	f := newFixture(t)

	ctrl, err := New(f.jobs, f.driver, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultReconcileInterval, ctrl.interval)

	ctrl, err = New(f.jobs, f.driver, -5*time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultReconcileInterval, ctrl.interval)
}
