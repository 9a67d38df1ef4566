package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

const (
	// Label keys for container management
	labelCandidateID = "evolver.candidate_id"
	labelManaged     = "evolver.managed"

	// scratchMount is where the scratch directory appears inside the container.
	scratchMount = "/scratch"

	cpuPeriod      = 100000
	removeTimeout  = 30 * time.Second
	maxCapturedLog = 4 << 20
)

// DockerExecutor runs candidates in locked-down containers using the Docker SDK.
type DockerExecutor struct {
	client      *client.Client
	config      *config.SandboxConfig
	memoryBytes int64
	logger      *zap.Logger
}

// NewDockerExecutor creates a new Docker executor and removes containers left behind by
// earlier runs.
func NewDockerExecutor(cfg *config.SandboxConfig, logger *zap.Logger) (*DockerExecutor, error) {
	memory, err := config.ParseMemory(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	logger.Info("Docker client connected",
		zap.String("image", cfg.Image),
	)

	e := &DockerExecutor{
		client:      cli,
		config:      cfg,
		memoryBytes: memory,
		logger:      logger.With(zap.String("backend", BackendDocker)),
	}

	if cfg.CleanupStaleAge != "" {
		maxAge, err := time.ParseDuration(cfg.CleanupStaleAge)
		if err == nil {
			if n, err := e.CleanupStaleContainers(ctx, maxAge); err != nil {
				logger.Warn("Failed to clean up stale containers", zap.Error(err))
			} else if n > 0 {
				logger.Info("Removed stale sandbox containers", zap.Int("count", n))
			}
		}
	}

	return e, nil
}

// Execute runs the candidate in a fresh container and always removes it afterwards.
func (e *DockerExecutor) Execute(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) *domain.ExecutionResult {
	start := time.Now()

	ws, err := prepareWorkspace(e.config.ScratchRoot, candidate)
	if err != nil {
		return sandboxFailure(candidate, err, time.Since(start))
	}
	defer ws.Cleanup()

	if err := e.ensureImage(ctx); err != nil {
		return sandboxFailure(candidate, fmt.Errorf("failed to ensure image: %w", err), time.Since(start))
	}

	containerID, err := e.startContainer(ctx, candidate, ws)
	if err != nil {
		return sandboxFailure(candidate, err, time.Since(start))
	}
	defer e.removeContainer(containerID)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, err := e.wait(runCtx, containerID)
	elapsed := time.Since(start)
	if err != nil {
		if runCtx.Err() != nil {
			killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if kerr := e.client.ContainerKill(killCtx, containerID, "SIGKILL"); kerr != nil {
				e.logger.Debug("Failed to kill container", zap.String("container_id", shortID(containerID)), zap.Error(kerr))
			}
			killCancel()
			if ctx.Err() == nil {
				e.logger.Info("Candidate timed out",
					zap.String("candidate_id", candidate.ID.String()),
					zap.Duration("timeout", timeout),
				)
				return timeoutFailure(candidate, timeout, elapsed)
			}
		}
		return sandboxFailure(candidate, err, elapsed)
	}

	stdout, stderr, err := e.logs(containerID)
	if err != nil {
		e.logger.Warn("Failed to get container logs",
			zap.String("container_id", shortID(containerID)),
			zap.Error(err),
		)
	}

	if exitCode != 0 {
		return runtimeFailure(candidate, exitCode, failureMessage(stderr.String(), stdout.String(), exitCode), elapsed)
	}

	raw, err := readResult(ws.Dir, stdout.Bytes())
	if err != nil {
		return runtimeFailure(candidate, exitCode, err.Error(), elapsed)
	}

	return &domain.ExecutionResult{
		CandidateID:   candidate.ID,
		Success:       true,
		RawOutput:     raw,
		ExitCode:      exitCode,
		ExecutionTime: elapsed,
	}
}

// startContainer creates and starts the sandbox container for one workspace.
func (e *DockerExecutor) startContainer(ctx context.Context, candidate *domain.Candidate, ws *workspace) (string, error) {
	entrypoint := scratchMount + "/" + ws.Entrypoint
	pids := e.config.PidsLimit

	containerConfig := &container.Config{
		Image:           e.config.Image,
		Cmd:             expandCommand(e.config.Command, entrypoint),
		WorkingDir:      scratchMount,
		NetworkDisabled: true,
		Labels: map[string]string{
			labelCandidateID: candidate.ID.String(),
			labelManaged:     "true",
		},
		Env: []string{
			"CANDIDATE_PATH=" + scratchMount + "/" + candidateFile,
			"RESULT_PATH=" + scratchMount + "/" + resultFile,
			"SCRATCH_DIR=" + scratchMount,
			"HOME=" + scratchMount,
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			toAbsolutePath(ws.Dir) + ":" + scratchMount + ":rw",
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		ReadonlyRootfs: true,
		NetworkMode:    container.NetworkMode("none"),
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			CPUPeriod:  cpuPeriod,
			CPUQuota:   int64(e.config.CPULimit * cpuPeriod),
			Memory:     e.memoryBytes,
			MemorySwap: e.memoryBytes,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "fsize", Soft: maxScratchFileBytes, Hard: maxScratchFileBytes},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
		AutoRemove: false, // We handle removal manually
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.removeContainer(resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	e.logger.Debug("Started sandbox container",
		zap.String("container_id", shortID(resp.ID)),
		zap.String("candidate_id", candidate.ID.String()),
	)

	return resp.ID, nil
}

// wait blocks until the container exits and returns its exit code.
func (e *DockerExecutor) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, fmt.Errorf("container wait ended without status")
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// logs retrieves stdout and stderr of a finished container separately.
func (e *DockerExecutor) logs(containerID string) (*bytes.Buffer, *bytes.Buffer, error) {
	var stdout, stderr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	reader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return &stdout, &stderr, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr, need to demux
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(reader, maxCapturedLog)); err != nil {
		return &stdout, &stderr, fmt.Errorf("failed to demux container logs: %w", err)
	}
	return &stdout, &stderr, nil
}

// removeContainer force-removes a container. It runs detached from the caller's context
// so an interrupted run still leaves nothing behind.
func (e *DockerExecutor) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		e.logger.Warn("Failed to remove container",
			zap.String("container_id", shortID(containerID)),
			zap.Error(err),
		)
		return
	}

	e.logger.Debug("Removed container",
		zap.String("container_id", shortID(containerID)),
	)
}

// CleanupStaleContainers removes managed containers older than maxAge.
func (e *DockerExecutor) CleanupStaleContainers(ctx context.Context, maxAge time.Duration) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0

	for _, c := range containers {
		created := time.Unix(c.Created, 0)
		if !created.Before(cutoff) {
			continue
		}
		if err := e.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			e.logger.Warn("Failed to remove stale container",
				zap.String("container_id", shortID(c.ID)),
				zap.Error(err),
			)
			continue
		}
		cleaned++
		e.logger.Info("Cleaned up stale container",
			zap.String("container_id", shortID(c.ID)),
			zap.Time("created", created),
		)
	}

	return cleaned, nil
}

// ensureImage ensures the sandbox image is available locally.
func (e *DockerExecutor) ensureImage(ctx context.Context) error {
	_, _, err := e.client.ImageInspectWithRaw(ctx, e.config.Image)
	if err == nil {
		return nil // Image exists
	}

	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to check image: %w", err)
	}

	e.logger.Info("Pulling sandbox image",
		zap.String("image", e.config.Image),
	)

	reader, err := e.client.ImagePull(ctx, e.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Wait for pull to complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}

	e.logger.Info("Successfully pulled image",
		zap.String("image", e.config.Image),
	)

	return nil
}

// Close closes the Docker client.
func (e *DockerExecutor) Close() error {
	return e.client.Close()
}

// toAbsolutePath converts a relative path to absolute path.
func toAbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Ensure interface compliance at compile time.
var _ Executor = (*DockerExecutor)(nil)
