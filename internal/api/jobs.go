package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/store"
)

// LogStreamer is the slice of the sandbox driver the API needs: opening log
// reads against retained or running sandboxes.
type LogStreamer interface {
	StreamLogs(ctx context.Context, sandboxID string, follow bool) (io.ReadCloser, error)
}

// JobHandler serves the job endpoints: submit variants, listing, retrieval
// and log streaming.
type JobHandler struct {
	jobs       store.JobStore
	driver     LogStreamer
	archiveDir string
	logger     *zap.Logger
}

// NewJobHandler creates a JobHandler. archiveDir is where submitted archives
// are staged; empty means the OS temp directory.
func NewJobHandler(jobs store.JobStore, driver LogStreamer, archiveDir string, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		driver:     driver,
		archiveDir: archiveDir,
		logger:     logger.Named("api"),
	}
}

// jobSummary is the wire shape of a job. Timestamps are RFC 3339 UTC with a
// trailing "Z"; success stays null until the controller records a verdict.
type jobSummary struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Success   *bool   `json:"success"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
}

func toJobSummary(job *db.Job) jobSummary {
	return jobSummary{
		JobID:     job.ID.String(),
		Status:    job.Status,
		Success:   job.Success,
		StartTime: wireTime(job.StartTime),
		EndTime:   wireTime(job.EndTime),
	}
}

func wireTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// List handles GET /jobs: the caller's jobs only, newest-started first with
// not-yet-started jobs ahead.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())

	jobs, err := h.jobs.ListByUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		errInternal(w)
		return
	}

	summaries := make([]jobSummary, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, toJobSummary(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetByID handles GET /jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobSummary(job))
}

// ownedJob resolves the {id} path parameter to a job the caller owns,
// writing the error response otherwise. Absence is reported before
// ownership: a 403 confirms the job exists, so it is only returned for jobs
// that do.
func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	user := userFromCtx(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errNotFound(w)
		return nil, false
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errNotFound(w)
		} else {
			h.logger.Error("failed to load job",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
			errInternal(w)
		}
		return nil, false
	}

	if job.UserID != user.ID {
		errForbidden(w, "Not authorized to access this job")
		return nil, false
	}
	return job, true
}
