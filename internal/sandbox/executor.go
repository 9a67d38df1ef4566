// Package sandbox runs candidate strategies in isolated environments.
//
// The executor is a message-passing boundary: a candidate is serialized into a private
// scratch directory, the sandbox runs it with no network and a read-only view of
// everything else, and the result is read back from the scratch directory (or from the
// last JSON object printed on stdout). Every failure, including faults of the sandbox
// itself, is reported inside the returned ExecutionResult rather than as a Go error.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Executor runs one candidate in isolation.
type Executor interface {
	// Execute runs the candidate and always returns a result. The run is bounded by
	// timeout; on expiry the sandbox is torn down and the result carries ErrorKindTimeout.
	Execute(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) *domain.ExecutionResult

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by New.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// entrypointPlaceholder is substituted with the in-sandbox path of the candidate source.
const entrypointPlaceholder = "{entrypoint}"

// New creates the executor selected by cfg.Backend.
func New(cfg *config.SandboxConfig, logger *zap.Logger) (Executor, error) {
	switch cfg.Backend {
	case BackendDocker:
		return NewDockerExecutor(cfg, logger)
	case BackendProcess:
		return NewProcessExecutor(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

// expandCommand replaces the entrypoint placeholder in every argument.
func expandCommand(args []string, entrypoint string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, entrypointPlaceholder, entrypoint)
	}
	return out
}

// runtimeFailure builds the result for a candidate that ran but did not produce a usable result.
func runtimeFailure(candidate *domain.Candidate, exitCode int64, msg string, elapsed time.Duration) *domain.ExecutionResult {
	res := domain.NewFailedExecution(candidate.ID, domain.ErrorKindRuntime, msg, elapsed)
	res.ExitCode = exitCode
	return res
}

// timeoutFailure builds the result for a candidate that exceeded its budget.
func timeoutFailure(candidate *domain.Candidate, timeout, elapsed time.Duration) *domain.ExecutionResult {
	return domain.NewFailedExecution(candidate.ID, domain.ErrorKindTimeout,
		fmt.Sprintf("%v: exceeded %s", domain.ErrSandboxTimeout, timeout), elapsed)
}

// sandboxFailure builds the result for a fault of the sandbox infrastructure.
func sandboxFailure(candidate *domain.Candidate, err error, elapsed time.Duration) *domain.ExecutionResult {
	return domain.NewFailedExecution(candidate.ID, domain.ErrorKindSandbox, err.Error(), elapsed)
}

// failureMessage picks the most useful diagnostic text out of a failed run.
func failureMessage(stderr, stdout string, exitCode int64) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(stdout); s != "" {
		return s
	}
	return fmt.Sprintf("%v: exit code %d", domain.ErrSandboxRuntime, exitCode)
}
