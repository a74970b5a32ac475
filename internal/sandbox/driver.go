// Package sandbox wraps the Docker Engine API so the controller and the API
// see a typed domain of sandboxes instead of a container runtime. The driver
// is stateless between calls; everything it needs to find a sandbox again is
// encoded in the deterministic name "<prefix><job-uuid>". That naming is
// what makes crash recovery possible — after a restart the controller can
// locate the sandbox for any job purely from the job ID — and the prefix is
// the namespace isolator that lets multiple deployments share one daemon.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultImage is the sandbox image used when none is configured.
const DefaultImage = "python:3.12-slim"

// Sandbox status values, mirroring the runtime's container states.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusExited     = "exited"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusRemoving   = "removing"
	StatusDead       = "dead"
)

// Info is the observed state of a sandbox.
type Info struct {
	// ID is the runtime-assigned container ID.
	ID string
	// JobID is the job UUID decoded from the sandbox name.
	JobID uuid.UUID
	// Status is one of the Status* constants above.
	Status string
	// ExitCode is meaningful only once Status is exited or dead.
	ExitCode   int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Driver executes sandbox lifecycle operations against a local Docker
// daemon. Safe for concurrent use; the underlying SDK client is.
type Driver struct {
	cli    *dockerclient.Client
	image  string
	prefix string
	logger *zap.Logger
}

// NewDriver connects to the Docker daemon (honoring DOCKER_HOST et al. from
// the environment) and returns a Driver that owns sandboxes named with the
// given prefix and runs them on the given image.
func NewDriver(image, prefix string, logger *zap.Logger) (*Driver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect to docker: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	return &Driver{
		cli:    cli,
		image:  image,
		prefix: prefix,
		logger: logger.Named("sandbox"),
	}, nil
}

// Ping checks that the daemon is reachable. Called once at startup so a
// misconfigured DOCKER_HOST fails fast instead of on the first job.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying SDK client resources.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// Name returns the deterministic sandbox name for a job.
func (d *Driver) Name(jobID uuid.UUID) string {
	return d.prefix + jobID.String()
}

// DecodeJobID extracts the job UUID from a sandbox name. It returns false
// for names with a foreign prefix and for suffixes that are not canonical
// UUIDs — those belong to other deployments or to user-run containers.
func (d *Driver) DecodeJobID(name string) (uuid.UUID, bool) {
	if !strings.HasPrefix(name, d.prefix) {
		return uuid.UUID{}, false
	}
	suffix := name[len(d.prefix):]
	if len(suffix) != 36 {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(suffix)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// Create materializes the job's archive into a private scratch directory and
// creates (without starting) a sandbox whose working directory is that
// directory mounted read-only. The archive root must contain
// requirements.txt. Returns the container ID and the scratch directory; the
// caller owns the directory for the life of the job.
//
// The container is created without auto-remove so it outlives its process:
// late-joining log readers stream the retained stdout until an explicit
// cleanup removes the sandbox.
func (d *Driver) Create(ctx context.Context, jobID uuid.UUID, archivePath string) (string, string, error) {
	scratch, err := os.MkdirTemp("", fmt.Sprintf("ci_job_%s_", jobID))
	if err != nil {
		return "", "", fmt.Errorf("sandbox: create scratch dir: %w", err)
	}

	if err := extractArchive(archivePath, scratch); err != nil {
		os.RemoveAll(scratch)
		return "", "", fmt.Errorf("sandbox: extract archive: %w", err)
	}

	if _, err := os.Stat(filepath.Join(scratch, "requirements.txt")); err != nil {
		os.RemoveAll(scratch)
		return "", "", fmt.Errorf("sandbox: requirements.txt not found in project")
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      d.image,
			WorkingDir: "/workspace",
			Cmd: []string{
				"sh", "-c",
				"pip install -q -r requirements.txt && python -m pytest -v",
			},
		},
		&container.HostConfig{
			Binds: []string{scratch + ":/workspace:ro"},
		},
		nil, nil, d.Name(jobID),
	)
	if err != nil {
		os.RemoveAll(scratch)
		return "", "", fmt.Errorf("sandbox: create container: %w", err)
	}

	return resp.ID, scratch, nil
}

// Start starts a previously created sandbox.
func (d *Driver) Start(ctx context.Context, sandboxID string) error {
	if err := d.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start %s: %w", sandboxID, err)
	}
	return nil
}

// Inspect returns the observed state of the job's sandbox, or nil when no
// such sandbox exists.
func (d *Driver) Inspect(ctx context.Context, jobID uuid.UUID) (*Info, error) {
	resp, err := d.cli.ContainerInspect(ctx, d.Name(jobID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sandbox: inspect %s: %w", jobID, err)
	}

	info := &Info{
		ID:    resp.ID,
		JobID: jobID,
	}
	if resp.State != nil {
		info.Status = strings.ToLower(resp.State.Status)
		info.ExitCode = resp.State.ExitCode
		info.StartedAt = parseRuntimeTime(resp.State.StartedAt)
		info.FinishedAt = parseRuntimeTime(resp.State.FinishedAt)
	}
	return info, nil
}

// StreamLogs opens a read of the sandbox's combined stdout and stderr.
// With follow=true the stream ends when the sandbox exits; with follow=false
// it returns the logs captured so far and ends. Each call opens a fresh
// read, so streams are restartable and safe to consume concurrently with
// other inspectors. Closing the returned reader (or cancelling ctx) tears
// down the underlying connection.
func (d *Driver) StreamLogs(ctx context.Context, sandboxID string, follow bool) (io.ReadCloser, error) {
	raw, err := d.cli.ContainerLogs(ctx, sandboxID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: stream logs %s: %w", sandboxID, err)
	}

	// The daemon multiplexes stdout/stderr on one connection when the
	// container has no TTY; demux into a plain text stream.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()

	return &logStream{pr: pr, src: raw}, nil
}

// logStream is the demultiplexed log reader handed to consumers. Closing it
// closes the daemon connection, which unblocks the copy goroutine.
type logStream struct {
	pr  *io.PipeReader
	src io.Closer
}

func (s *logStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *logStream) Close() error {
	s.src.Close()
	return s.pr.Close()
}

// Stop stops a running sandbox, giving its process the grace period before
// the daemon kills it.
func (d *Driver) Stop(ctx context.Context, sandboxID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("sandbox: stop %s: %w", sandboxID, err)
	}
	return nil
}

// Remove removes a sandbox. Removing a sandbox that does not exist is not an
// error, which makes double-remove safe.
func (d *Driver) Remove(ctx context.Context, sandboxID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: force})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("sandbox: remove %s: %w", sandboxID, err)
	}
	return nil
}

// Cleanup force-removes the job's sandbox, best effort. Errors are logged
// and swallowed — cleanup runs in reconciliation paths that must not fail.
func (d *Driver) Cleanup(ctx context.Context, jobID uuid.UUID) {
	if err := d.Remove(ctx, d.Name(jobID), true); err != nil {
		d.logger.Warn("sandbox cleanup failed",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
}

// ListOwned enumerates the sandboxes this deployment owns: containers (in
// any state) whose name carries the configured prefix and whose suffix
// parses as a job UUID. Containers with foreign prefixes or non-UUID names
// are invisible to the controller.
func (d *Driver) ListOwned(ctx context.Context) ([]Info, error) {
	opts := container.ListOptions{All: true}
	if d.prefix != "" {
		// The name filter is a substring match; the DecodeJobID check below
		// still enforces the exact prefix + UUID shape.
		opts.Filters = filters.NewArgs(filters.Arg("name", d.prefix))
	}

	summaries, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox: list containers: %w", err)
	}

	var owned []Info
	for _, c := range summaries {
		jobID, ok := d.decodeFromNames(c.Names)
		if !ok {
			continue
		}
		info, err := d.Inspect(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if info != nil {
			owned = append(owned, *info)
		}
	}
	return owned, nil
}

// decodeFromNames finds the first container name that decodes to a job ID.
// The daemon reports names with a leading slash.
func (d *Driver) decodeFromNames(names []string) (uuid.UUID, bool) {
	for _, name := range names {
		if id, ok := d.DecodeJobID(strings.TrimPrefix(name, "/")); ok {
			return id, true
		}
	}
	return uuid.UUID{}, false
}

// parseRuntimeTime parses the daemon's RFC 3339 timestamps, treating the
// zero value ("0001-01-01T00:00:00Z") as unset.
func parseRuntimeTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}
