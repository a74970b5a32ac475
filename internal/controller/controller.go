// Package controller reconciles job state in the database with sandbox state
// observed from the container runtime. The database is the desired state, the
// runtime is the actual state, and each tick moves the world toward
// agreement. Every corrective action is idempotent, so a crash at any point
// is repaired by the next tick — including a crash of the controller itself,
// which recovers purely from the deterministic sandbox names.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/metrics"
	"github.com/kilnci/kiln/internal/sandbox"
	"github.com/kilnci/kiln/internal/store"
)

// DefaultReconcileInterval is the cadence used when none is configured.
const DefaultReconcileInterval = 2 * time.Second

// Driver is the slice of the sandbox driver the controller needs. Tests
// substitute a fake; production wires *sandbox.Driver.
type Driver interface {
	Create(ctx context.Context, jobID uuid.UUID, archivePath string) (sandboxID, scratchDir string, err error)
	Start(ctx context.Context, sandboxID string) error
	Inspect(ctx context.Context, jobID uuid.UUID) (*sandbox.Info, error)
	ListOwned(ctx context.Context) ([]sandbox.Info, error)
	Cleanup(ctx context.Context, jobID uuid.UUID)
}

// Controller runs the reconciliation loop.
// The zero value is not usable — create instances with New.
type Controller struct {
	jobs     store.JobStore
	driver   Driver
	cron     gocron.Scheduler
	interval time.Duration
	logger   *zap.Logger

	// scratchDirs tracks the extraction directories of jobs this process
	// started, so they can be reclaimed when the job reaches a terminal
	// state or at shutdown. Directories from a previous process are on the
	// OS temp path and age out with it.
	mu          sync.Mutex
	scratchDirs map[uuid.UUID]string
}

// New creates a Controller. An interval <= 0 falls back to the default.
func New(jobs store.JobStore, driver Driver, interval time.Duration, logger *zap.Logger) (*Controller, error) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("controller: create scheduler: %w", err)
	}

	return &Controller{
		jobs:        jobs,
		driver:      driver,
		cron:        cron,
		interval:    interval,
		logger:      logger.Named("controller"),
		scratchDirs: make(map[uuid.UUID]string),
	}, nil
}

// Start runs one reconciliation immediately (crash recovery: jobs left
// running by a previous process are re-examined before the first tick) and
// then begins the periodic loop. Singleton mode guarantees ticks never
// overlap; a slow pass delays the next one instead of stacking.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.ReconcileOnce(ctx); err != nil {
		c.logger.Error("initial reconciliation failed", zap.Error(err))
	}

	_, err := c.cron.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(context.Background(), c.interval*10)
			defer cancel()
			if err := c.ReconcileOnce(tickCtx); err != nil {
				c.logger.Error("reconciliation failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("controller: schedule reconcile: %w", err)
	}

	c.cron.Start()
	c.logger.Info("controller started", zap.Duration("interval", c.interval))
	return nil
}

// Stop shuts down the loop and removes scratch directories this process
// still tracks. Sandboxes are deliberately left alone: jobs keep running
// across controller restarts, and retained sandboxes keep serving logs.
func (c *Controller) Stop() error {
	if err := c.cron.Shutdown(); err != nil {
		return fmt.Errorf("controller: shutdown: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for jobID, dir := range c.scratchDirs {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove scratch dir",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}
	c.scratchDirs = make(map[uuid.UUID]string)

	c.logger.Info("controller stopped")
	return nil
}

// ReconcileOnce performs a single reconciliation pass: load all jobs, list
// all owned sandboxes, correct each divergence, then reap orphans. Per-job
// errors are logged and do not abort the pass — one poisoned job must not
// starve the rest.
func (c *Controller) ReconcileOnce(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	jobs, err := c.jobs.ListAll(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		return fmt.Errorf("controller: list jobs: %w", err)
	}

	owned, err := c.driver.ListOwned(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		return fmt.Errorf("controller: list sandboxes: %w", err)
	}
	byJob := make(map[uuid.UUID]*sandbox.Info, len(owned))
	for i := range owned {
		byJob[owned[i].JobID] = &owned[i]
	}

	for i := range jobs {
		job := &jobs[i]
		if err := c.reconcileJob(ctx, job, byJob[job.ID]); err != nil {
			c.logger.Error("failed to reconcile job",
				zap.String("job_id", job.ID.String()),
				zap.String("status", job.Status),
				zap.Error(err),
			)
		}
	}

	c.reapOrphans(ctx, owned, jobs)

	metrics.ReconcileTicks.Inc()
	return nil
}

// reconcileJob corrects one job given its observed sandbox (nil when none
// exists).
func (c *Controller) reconcileJob(ctx context.Context, job *db.Job, info *sandbox.Info) error {
	switch job.Status {
	case db.JobStatusQueued:
		if info != nil {
			// A sandbox with no recorded start is leftover state from an
			// interrupted attempt. Remove it; the job restarts cleanly.
			c.logger.Warn("queued job has a sandbox, removing it",
				zap.String("job_id", job.ID.String()),
			)
			c.driver.Cleanup(ctx, job.ID)
			return nil
		}
		return c.startJob(ctx, job)

	case db.JobStatusRunning:
		switch {
		case info == nil:
			return c.markFailed(ctx, job.ID, "sandbox lost during execution")
		case info.Status == sandbox.StatusExited:
			return c.finalizeJob(ctx, job, info)
		case info.Status == sandbox.StatusDead || info.Status == sandbox.StatusRemoving:
			return c.markFailed(ctx, job.ID, "sandbox entered state "+info.Status)
		}
		// Still running: nothing to correct. Logs flow straight from the
		// runtime to streaming clients.
		return nil

	default:
		if job.Terminal() {
			c.reclaim(job)
		}
		return nil
	}
}

// startJob moves a queued job to running. It is idempotent against partial
// prior attempts: a sandbox recorded on the job is restarted instead of
// recreated (sandbox names are unique, so blind recreation would fail).
func (c *Controller) startJob(ctx context.Context, job *db.Job) error {
	if job.ArchivePath == "" {
		// Row inserted, archive stash failed. Unrecoverable.
		return c.markFailed(ctx, job.ID, "no archive recorded for job")
	}
	if fi, err := os.Stat(job.ArchivePath); err != nil || fi.IsDir() {
		return c.markFailed(ctx, job.ID, "archive not found: "+job.ArchivePath)
	}

	if job.SandboxID != "" {
		existing, err := c.driver.Inspect(ctx, job.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			c.logger.Info("reusing existing sandbox",
				zap.String("job_id", job.ID.String()),
				zap.String("sandbox_id", existing.ID),
			)
			if err := c.driver.Start(ctx, existing.ID); err != nil {
				return c.markFailed(ctx, job.ID, "failed to restart sandbox: "+err.Error())
			}
			return c.transitionRunning(ctx, job.ID, "")
		}
	}

	sandboxID, scratch, err := c.driver.Create(ctx, job.ID, job.ArchivePath)
	if err != nil {
		return c.markFailed(ctx, job.ID, "failed to create sandbox: "+err.Error())
	}

	c.mu.Lock()
	c.scratchDirs[job.ID] = scratch
	c.mu.Unlock()

	if err := c.driver.Start(ctx, sandboxID); err != nil {
		return c.markFailed(ctx, job.ID, "failed to start sandbox: "+err.Error())
	}

	if err := c.transitionRunning(ctx, job.ID, sandboxID); err != nil {
		return err
	}

	c.logger.Info("job started",
		zap.String("job_id", job.ID.String()),
		zap.String("sandbox_id", sandboxID),
	)
	return nil
}

func (c *Controller) transitionRunning(ctx context.Context, jobID uuid.UUID, sandboxID string) error {
	now := time.Now().UTC()
	if err := c.jobs.UpdateStatus(ctx, jobID, db.JobStatusRunning, &now, sandboxID); err != nil {
		return fmt.Errorf("controller: mark running: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(db.JobStatusRunning).Inc()
	return nil
}

// finalizeJob records the outcome of an exited sandbox. Exit code zero means
// the test run passed; any other exit code is a verdict, not an
// infrastructure failure, so the job completes with success=false.
func (c *Controller) finalizeJob(ctx context.Context, job *db.Job, info *sandbox.Info) error {
	success := info.ExitCode == 0

	endTime := time.Now().UTC()
	if info.FinishedAt != nil {
		endTime = info.FinishedAt.UTC()
	}

	if err := c.jobs.Complete(ctx, job.ID, db.JobStatusCompleted, success, endTime); err != nil {
		return fmt.Errorf("controller: finalize: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(db.JobStatusCompleted).Inc()

	c.logger.Info("job finalized",
		zap.String("job_id", job.ID.String()),
		zap.Bool("success", success),
		zap.Int("exit_code", info.ExitCode),
	)
	return nil
}

// markFailed records an infrastructure failure. The reason is logged, not
// persisted — whatever the sandbox wrote to its logs remains readable as
// long as the sandbox is retained.
func (c *Controller) markFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	c.logger.Error("job failed",
		zap.String("job_id", jobID.String()),
		zap.String("reason", reason),
	)

	if err := c.jobs.Complete(ctx, jobID, db.JobStatusFailed, false, time.Now().UTC()); err != nil {
		return fmt.Errorf("controller: mark failed: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(db.JobStatusFailed).Inc()
	return nil
}

// reclaim frees the disk artifacts of a terminal job: the tracked scratch
// directory and the submitted archive. The sandbox itself is retained for
// late log readers. Repeated calls are no-ops.
func (c *Controller) reclaim(job *db.Job) {
	c.mu.Lock()
	dir, ok := c.scratchDirs[job.ID]
	if ok {
		delete(c.scratchDirs, job.ID)
	}
	c.mu.Unlock()

	if ok {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove scratch dir",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}

	if job.ArchivePath != "" {
		if err := os.Remove(job.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove archive",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// reapOrphans removes owned sandboxes whose job ID has no database row.
// These appear when a row insert failed after sandbox creation, or when the
// database was reset under a live runtime.
func (c *Controller) reapOrphans(ctx context.Context, owned []sandbox.Info, jobs []db.Job) {
	known := make(map[uuid.UUID]struct{}, len(jobs))
	for i := range jobs {
		known[jobs[i].ID] = struct{}{}
	}

	for i := range owned {
		if _, ok := known[owned[i].JobID]; ok {
			continue
		}
		c.logger.Warn("removing orphaned sandbox",
			zap.String("job_id", owned[i].JobID.String()),
			zap.String("sandbox_id", owned[i].ID),
		)
		c.driver.Cleanup(ctx, owned[i].JobID)
		metrics.SandboxesReaped.Inc()
	}
}
