package api

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/metrics"
)

// maxArchiveBytes caps the size of a submitted project archive.
const maxArchiveBytes = 100 << 20 // 100 MB

// SubmitAsync handles POST /submit-async: stage the archive, insert the
// queued job, return its ID. The controller picks the job up on its next
// tick.
func (h *JobHandler) SubmitAsync(w http.ResponseWriter, r *http.Request) {
	job, ok := h.createJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID.String()})
}

// Submit handles POST /submit: stage + insert like SubmitAsync, then hold
// the connection open streaming the job's events until it completes.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	job, ok := h.createJob(w, r)
	if !ok {
		return
	}
	h.streamJob(w, r, job.ID, streamOptions{fromBeginning: true})
}

// SubmitStream handles POST /submit-stream: like Submit, but the first SSE
// event carries the job ID so the client can reconnect later.
func (h *JobHandler) SubmitStream(w http.ResponseWriter, r *http.Request) {
	job, ok := h.createJob(w, r)
	if !ok {
		return
	}
	h.streamJob(w, r, job.ID, streamOptions{fromBeginning: true, emitJobID: true})
}

// createJob implements the shared submit flow: read the multipart "file"
// part, stage it under a unique archive name, and insert the queued job
// owned by the caller. The archive lands on disk before the row is written,
// so a job row always points at bytes that exist — the reverse failure
// (archive staged, insert failed) is repaired by the controller's orphan
// handling.
func (h *JobHandler) createJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	user := userFromCtx(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		errBadRequest(w, "multipart part 'file' is required")
		return nil, false
	}
	defer file.Close()

	jobID, err := uuid.NewV7()
	if err != nil {
		errInternal(w)
		return nil, false
	}

	dir := h.archiveDir
	if dir == "" {
		dir = os.TempDir()
	}
	dst, err := os.CreateTemp(dir, fmt.Sprintf("ci_job_%s_*.zip", jobID))
	if err != nil {
		h.logger.Error("failed to stage archive", zap.Error(err))
		errInternal(w)
		return nil, false
	}

	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		h.logger.Error("failed to write archive", zap.Error(err))
		errInternal(w)
		return nil, false
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		h.logger.Error("failed to close archive", zap.Error(err))
		errInternal(w)
		return nil, false
	}

	job := &db.Job{
		ID:          jobID,
		Status:      db.JobStatusQueued,
		ArchivePath: dst.Name(),
		UserID:      user.ID,
	}
	if err := h.jobs.Create(r.Context(), job); err != nil {
		os.Remove(dst.Name())
		h.logger.Error("failed to create job", zap.Error(err))
		errInternal(w)
		return nil, false
	}

	metrics.JobsSubmitted.Inc()
	h.logger.Info("job submitted",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", user.ID.String()),
	)
	return job, true
}
