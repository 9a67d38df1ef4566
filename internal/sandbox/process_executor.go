package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

const (
	// isolationInitName is the argv[0] under which the evolver binary re-executes itself
	// to set up the process sandbox.
	isolationInitName = "evolver-sandbox-init"

	// isolationFailureExit and isolationFailurePrefix mark a failed sandbox setup, as
	// opposed to a candidate that exits with the same code.
	isolationFailureExit   = 125
	isolationFailurePrefix = "sandbox init: "
)

// errIsolationUnavailable is returned when the host cannot give the process backend its
// read-only, network-less sandbox.
var errIsolationUnavailable = errors.New("process sandbox isolation unavailable")

// ProcessExecutor runs candidates as local child processes. Each run gets new user, mount
// and network namespaces: the candidate sees only a downed loopback interface and a
// read-only filesystem except for its scratch directory. Resource limits are applied by
// a ulimit prelude and the whole process group is killed on timeout.
type ProcessExecutor struct {
	config      *config.SandboxConfig
	memoryBytes int64
	logger      *zap.Logger
}

// NewProcessExecutor creates a new process executor. It refuses to start when the host
// does not support the sandbox namespaces.
func NewProcessExecutor(cfg *config.SandboxConfig, logger *zap.Logger) (*ProcessExecutor, error) {
	if len(cfg.ProcessCommand) == 0 {
		return nil, errors.New("process_command is required for the process backend")
	}
	memory, err := config.ParseMemory(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
	}
	if err := checkIsolation(cfg.ScratchRoot); err != nil {
		return nil, err
	}

	logger.Info("Process sandbox ready",
		zap.Strings("command", cfg.ProcessCommand),
		zap.String("scratch_root", cfg.ScratchRoot),
	)

	return &ProcessExecutor{
		config:      cfg,
		memoryBytes: memory,
		logger:      logger.With(zap.String("backend", BackendProcess)),
	}, nil
}

// checkIsolation starts one empty sandbox to verify the namespaces can be created.
func checkIsolation(root string) error {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create scratch root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "evolver-check-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}

	cmd, err := isolatedCommand(dir, "exit 0")
	if err != nil {
		return err
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v: %s", errIsolationUnavailable, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Execute runs the candidate and kills its whole process group on timeout.
func (e *ProcessExecutor) Execute(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) *domain.ExecutionResult {
	start := time.Now()

	ws, err := prepareWorkspace(e.config.ScratchRoot, candidate)
	if err != nil {
		return sandboxFailure(candidate, err, time.Since(start))
	}
	defer ws.Cleanup()

	dir, err := filepath.Abs(ws.Dir)
	if err != nil {
		return sandboxFailure(candidate, err, time.Since(start))
	}

	args := expandCommand(e.config.ProcessCommand, filepath.Join(dir, ws.Entrypoint))
	script := e.limitPrelude(timeout) + "exec " + shellJoin(args)

	cmd, err := isolatedCommand(dir, script)
	if err != nil {
		return sandboxFailure(candidate, err, time.Since(start))
	}
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"CANDIDATE_PATH=" + filepath.Join(dir, candidateFile),
		"RESULT_PATH=" + filepath.Join(dir, resultFile),
		"SCRATCH_DIR=" + dir,
	}

	stdout := &cappedBuffer{limit: maxCapturedLog}
	stderr := &cappedBuffer{limit: maxCapturedLog}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return sandboxFailure(candidate, fmt.Errorf("failed to start process: %w", err), time.Since(start))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		killGroup(cmd)
		<-done
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return sandboxFailure(candidate, fmt.Errorf("execution cancelled: %w", ctx.Err()), elapsed)
		}
		e.logger.Info("Candidate timed out",
			zap.String("candidate_id", candidate.ID.String()),
			zap.Duration("timeout", timeout),
		)
		return timeoutFailure(candidate, timeout, elapsed)
	}
	elapsed := time.Since(start)

	// Reap anything the candidate left running in its group.
	killGroup(cmd)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return sandboxFailure(candidate, fmt.Errorf("failed to wait for process: %w", waitErr), elapsed)
		}
		exitCode := int64(exitErr.ExitCode())
		if exitCode == isolationFailureExit && strings.HasPrefix(stderr.String(), isolationFailurePrefix) {
			return sandboxFailure(candidate, errors.New(strings.TrimSpace(stderr.String())), elapsed)
		}
		return runtimeFailure(candidate, exitCode, failureMessage(stderr.String(), stdout.String(), exitCode), elapsed)
	}

	raw, err := readResult(ws.Dir, stdout.Bytes())
	if err != nil {
		return runtimeFailure(candidate, 0, err.Error(), elapsed)
	}

	return &domain.ExecutionResult{
		CandidateID:   candidate.ID,
		Success:       true,
		RawOutput:     raw,
		ExitCode:      0,
		ExecutionTime: elapsed,
	}
}

// limitPrelude returns shell commands applying the configured resource limits. Limits the
// shell does not support are skipped.
func (e *ProcessExecutor) limitPrelude(timeout time.Duration) string {
	var b strings.Builder
	if e.memoryBytes > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", e.memoryBytes/1024)
	}
	if e.config.PidsLimit > 0 {
		fmt.Fprintf(&b, "ulimit -u %d 2>/dev/null || ulimit -p %d 2>/dev/null; ", e.config.PidsLimit, e.config.PidsLimit)
	}
	if cpuSeconds := int64(timeout.Seconds()*e.config.CPULimit) + 1; cpuSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", cpuSeconds)
	}
	// Shells count -f in 512- or 1024-byte blocks; dividing by 1024 stays within the cap.
	fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null; ", maxScratchFileBytes/1024)
	b.WriteString("ulimit -c 0 2>/dev/null; ")
	return b.String()
}

// Close is a no-op for the process backend.
func (e *ProcessExecutor) Close() error {
	return nil
}

// shellJoin quotes args for /bin/sh.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// cappedBuffer keeps at most limit bytes and silently discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *cappedBuffer) String() string { return c.buf.String() }

// Ensure interface compliance at compile time.
var _ Executor = (*ProcessExecutor)(nil)
