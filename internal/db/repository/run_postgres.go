package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/freqsearch/go-evolver/internal/db"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
)

// runRepo implements RunRepository using PostgreSQL.
type runRepo struct {
	pool *db.Pool
}

// NewRunRepository creates a new PostgreSQL run repository.
func NewRunRepository(pool *db.Pool) RunRepository {
	return &runRepo{pool: pool}
}

// Start inserts the run, or refreshes it when the id already exists.
func (r *runRepo) Start(ctx context.Context, s *history.Summary) error {
	summaryJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `
		INSERT INTO evolver_runs (
			run_id, generation_mode, started_at,
			start_iteration, next_iteration, max_iterations, summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			next_iteration = EXCLUDED.next_iteration,
			summary = EXCLUDED.summary
	`
	_, err = r.pool.Exec(ctx, query,
		s.RunID,
		string(s.GenerationMode),
		s.StartedAt,
		s.StartIteration,
		s.NextIteration,
		s.MaxIterations,
		summaryJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// Finish stores the final summary.
func (r *runRepo) Finish(ctx context.Context, s *history.Summary) error {
	summaryJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `
		UPDATE evolver_runs
		SET finished_at = $2, next_iteration = $3, stop_reason = $4, summary = $5
		WHERE run_id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		s.RunID,
		s.FinishedAt,
		s.NextIteration,
		string(s.StopReason),
		summaryJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("run", s.RunID.String())
	}
	return nil
}

// GetByID retrieves a run summary by id.
func (r *runRepo) GetByID(ctx context.Context, runID uuid.UUID) (*history.Summary, error) {
	return r.scanSummary(ctx, runID.String(),
		`SELECT summary FROM evolver_runs WHERE run_id = $1`, runID)
}

// Latest retrieves the most recently started run.
func (r *runRepo) Latest(ctx context.Context) (*history.Summary, error) {
	return r.scanSummary(ctx, "latest",
		`SELECT summary FROM evolver_runs ORDER BY started_at DESC LIMIT 1`)
}

func (r *runRepo) scanSummary(ctx context.Context, id, query string, args ...interface{}) (*history.Summary, error) {
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("run", id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var s history.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &s, nil
}
