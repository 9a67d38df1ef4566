package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/freqsearch/go-evolver/internal/db"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// iterationRepo implements IterationRepository using PostgreSQL. The full record is kept
// as JSONB; the remaining columns exist for querying.
type iterationRepo struct {
	pool *db.Pool
}

// NewIterationRepository creates a new PostgreSQL iteration repository.
func NewIterationRepository(pool *db.Pool) IterationRepository {
	return &iterationRepo{pool: pool}
}

// Create stores the record and advances the owning run's next_iteration in one
// transaction, so the run row never points behind its mirrored records.
func (r *iterationRepo) Create(ctx context.Context, rec *domain.IterationRecord) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var pValue *float64
	if rec.Validation != nil {
		pValue = domain.Float(rec.Validation.PValue)
	}

	insert := `
		INSERT INTO iteration_records (
			iteration_num, run_id, candidate_id, candidate_name, code_hash, parent_id, origin,
			level, error_kind, sharpe_ratio, total_return, max_drawdown,
			validated, p_value, record, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16
		)
		ON CONFLICT (iteration_num) DO NOTHING
	`
	advance := `
		UPDATE evolver_runs
		SET next_iteration = GREATEST(next_iteration, $2)
		WHERE run_id = $1
	`

	err = r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insert,
			rec.IterationNum,
			rec.RunID,
			rec.Candidate.ID,
			rec.Candidate.Name,
			rec.Candidate.CodeHash,
			rec.Candidate.ParentID,
			string(rec.Candidate.Origin),
			int16(rec.Classification.Level),
			string(rec.Execution.ErrorKind),
			rec.Metrics.SharpeRatio,
			rec.Metrics.TotalReturn,
			rec.Metrics.MaxDrawdown,
			rec.Validated(),
			pValue,
			recordJSON,
			rec.Timestamp,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, advance, rec.RunID, rec.IterationNum+1)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create iteration record: %w", err)
	}
	return nil
}

// GetByIteration retrieves a record by iteration number.
func (r *iterationRepo) GetByIteration(ctx context.Context, iteration int) (*domain.IterationRecord, error) {
	query := `SELECT record FROM iteration_records WHERE iteration_num = $1`

	var raw []byte
	if err := r.pool.QueryRow(ctx, query, iteration).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("iteration", strconv.Itoa(iteration))
		}
		return nil, fmt.Errorf("failed to get iteration record: %w", err)
	}

	var rec domain.IterationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode iteration %d: %w", iteration, err)
	}
	return &rec, nil
}

// LastIterationNumber returns the highest stored iteration number.
func (r *iterationRepo) LastIterationNumber(ctx context.Context) (int, error) {
	var last int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(iteration_num), -1) FROM iteration_records`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to get last iteration: %w", err)
	}
	return last, nil
}

// ListByRun retrieves the records of a run.
func (r *iterationRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.IterationRecord, error) {
	query := `
		SELECT record FROM iteration_records
		WHERE run_id = $1
		ORDER BY iteration_num
	`
	return r.queryRecords(ctx, query, runID)
}

// ListAll retrieves every record.
func (r *iterationRepo) ListAll(ctx context.Context) ([]domain.IterationRecord, error) {
	return r.queryRecords(ctx, `SELECT record FROM iteration_records ORDER BY iteration_num`)
}

// TopValidated retrieves the best validated records.
func (r *iterationRepo) TopValidated(ctx context.Context, limit int) ([]domain.IterationRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT record FROM iteration_records
		WHERE validated
		ORDER BY sharpe_ratio DESC, iteration_num
		LIMIT $1
	`
	return r.queryRecords(ctx, query, limit)
}

func (r *iterationRepo) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.IterationRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.IterationRecord, error) {
		var raw []byte
		var rec domain.IterationRecord
		if err := row.Scan(&raw); err != nil {
			return rec, err
		}
		err := json.Unmarshal(raw, &rec)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan iteration records: %w", err)
	}
	return records, nil
}
