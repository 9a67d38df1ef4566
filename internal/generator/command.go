package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// exitExhausted is the exit code a generator command uses to signal it has nothing left.
const exitExhausted = 3

// CommandGenerator runs an external command for every candidate. The feedback is written
// to the command's stdin as JSON and a candidate Spec is read from its stdout.
type CommandGenerator struct {
	command []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandGenerator creates a new CommandGenerator.
func NewCommandGenerator(command []string, timeout time.Duration, logger *zap.Logger) (*CommandGenerator, error) {
	if len(command) == 0 {
		return nil, errors.New("generator command is empty")
	}
	return &CommandGenerator{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Generate runs the command once.
func (g *CommandGenerator) Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error) {
	input, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feedback: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitExhausted {
			return nil, ErrExhausted
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generator command: %w", ctx.Err())
		}
		return nil, fmt.Errorf("generator command failed: %w: %s", err, domain.TruncateMessage(stderr.String()))
	}

	spec, err := decodeSpec(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		return nil, err
	}
	candidate, err := spec.ToCandidate(fb)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Generated candidate",
		zap.Int("iteration", fb.Iteration),
		zap.String("candidate_id", candidate.ID.String()),
		zap.String("search", fb.Search.String()),
		zap.Duration("duration", time.Since(start)),
	)
	return candidate, nil
}

// Ensure interface compliance at compile time.
var _ Generator = (*CommandGenerator)(nil)
