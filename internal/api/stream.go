package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/metrics"
	"github.com/kilnci/kiln/internal/store"
)

const (
	// streamStartGrace bounds how long a stream waits for a queued job to
	// be picked up by the controller before giving up.
	streamStartGrace = 30 * time.Second
	streamStartPoll  = 500 * time.Millisecond

	// finalizeWait bounds how long a stream waits, after the log stream
	// ends, for the controller to record the job's verdict.
	finalizeWait = 15 * time.Second
	finalizePoll = 250 * time.Millisecond
)

type streamOptions struct {
	// fromBeginning selects full log replay for jobs that already
	// finished; false yields a single "already completed" notice.
	fromBeginning bool
	// emitJobID prepends a job_id event so the client can reconnect.
	emitJobID bool
}

// Stream handles GET /jobs/{id}/stream.
func (h *JobHandler) Stream(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	fromBeginning := false
	if raw := r.URL.Query().Get("from_beginning"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			fromBeginning = v
		}
	}

	h.streamJob(w, r, job.ID, streamOptions{fromBeginning: fromBeginning})
}

// streamJob runs the SSE state machine for one job. The phases are:
// an optional job_id event, a wait for the controller to start the job, a
// terminal fast path (replay or notice), a live follow of the running
// sandbox's output, and a bounded wait for the controller to record the
// verdict. Client disconnects cancel the request context, which tears down
// any open log read; the job itself always runs to completion.
func (h *JobHandler) streamJob(w http.ResponseWriter, r *http.Request, jobID uuid.UUID, opts streamOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errInternal(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.LogStreams.Inc()
	defer metrics.LogStreams.Dec()

	ctx := r.Context()
	sse := &sseWriter{w: w, flusher: flusher}

	if opts.emitJobID {
		sse.send(map[string]any{"type": "job_id", "job_id": jobID.String()})
	}

	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		sse.log("Job not found.\n")
		sse.complete(false)
		return
	}

	// Wait for the controller to pick the job up.
	deadline := time.Now().Add(streamStartGrace)
	for job.Status == db.JobStatusQueued && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamStartPoll):
		}
		job, err = h.jobs.GetByID(ctx, jobID)
		if err != nil {
			sse.log("Job disappeared.\n")
			sse.complete(false)
			return
		}
	}

	if job.Terminal() {
		h.streamTerminal(ctx, sse, job, opts.fromBeginning)
		return
	}

	if job.Status == db.JobStatusRunning && job.SandboxID != "" {
		rc, err := h.driver.StreamLogs(ctx, job.SandboxID, true)
		if err != nil {
			sse.log(fmt.Sprintf("Error streaming logs: %v\n", err))
		} else {
			err := forwardLogs(ctx, sse, rc)
			rc.Close()
			if errors.Is(err, context.Canceled) {
				// Client is gone; no terminal event needed.
				return
			}
		}
	}

	// The sandbox exited (or the job never started). Give the controller a
	// bounded window to record the verdict before reporting it.
	h.awaitVerdict(ctx, sse, jobID)
}

// streamTerminal handles streams joining after the job finished. The
// retained sandbox still holds the full log, so from_beginning replays it;
// otherwise the client just learns the outcome.
func (h *JobHandler) streamTerminal(ctx context.Context, sse *sseWriter, job *db.Job, fromBeginning bool) {
	if !fromBeginning {
		sse.log("Job already completed.\n")
		sse.complete(job.Success != nil && *job.Success)
		return
	}

	if job.SandboxID != "" {
		rc, err := h.driver.StreamLogs(ctx, job.SandboxID, false)
		if err == nil {
			err = forwardLogs(ctx, sse, rc)
			rc.Close()
			if errors.Is(err, context.Canceled) {
				return
			}
		}
		// A missing sandbox just means no logs are available anymore.
	}

	sse.complete(job.Success != nil && *job.Success)
}

// awaitVerdict polls the store until success is set or the wait expires,
// then emits the terminal complete event. A still-null verdict reports
// false — the client must never hang waiting for it.
func (h *JobHandler) awaitVerdict(ctx context.Context, sse *sseWriter, jobID uuid.UUID) {
	deadline := time.Now().Add(finalizeWait)
	for {
		job, err := h.jobs.GetByID(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sse.complete(false)
			}
			return
		}
		if job.Success != nil {
			sse.complete(*job.Success)
			return
		}
		if !time.Now().Before(deadline) {
			sse.complete(false)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(finalizePoll):
		}
	}
}

// forwardLogs copies log lines from the sandbox read to the SSE stream
// until the read ends. Returns context.Canceled when the client
// disconnected mid-stream.
func forwardLogs(ctx context.Context, sse *sseWriter, rc io.Reader) error {
	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			sse.log(line)
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// sseWriter emits "data: <json>\n\n" frames, flushing after each so events
// reach the client immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

func (s *sseWriter) log(data string) {
	s.send(map[string]any{"type": "log", "data": data})
}

func (s *sseWriter) complete(success bool) {
	s.send(map[string]any{"type": "complete", "success": success})
}
