// Package repository provides data access layer implementations.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/saltfish/freqsearch/go-evolver/internal/db"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
)

// IterationRepository mirrors the iteration history in PostgreSQL.
type IterationRepository interface {
	// Create stores a record. Storing the same iteration twice is a no-op.
	Create(ctx context.Context, rec *domain.IterationRecord) error

	// GetByIteration retrieves a record by its iteration number.
	GetByIteration(ctx context.Context, iteration int) (*domain.IterationRecord, error)

	// LastIterationNumber returns the highest stored iteration number, or -1 when empty.
	LastIterationNumber(ctx context.Context) (int, error)

	// ListByRun retrieves the records of one run in iteration order.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.IterationRecord, error)

	// ListAll retrieves every record in iteration order.
	ListAll(ctx context.Context) ([]domain.IterationRecord, error)

	// TopValidated retrieves the validated records with the highest sharpe ratio.
	TopValidated(ctx context.Context, limit int) ([]domain.IterationRecord, error)
}

// RunRepository stores run summaries.
type RunRepository interface {
	// Start stores a run as it begins.
	Start(ctx context.Context, s *history.Summary) error

	// Finish stores the final summary of a run.
	Finish(ctx context.Context, s *history.Summary) error

	// GetByID retrieves the summary of a run.
	GetByID(ctx context.Context, runID uuid.UUID) (*history.Summary, error)

	// Latest retrieves the summary of the most recently started run.
	Latest(ctx context.Context) (*history.Summary, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Iteration IterationRepository
	Run       RunRepository
}

// NewRepositories creates a new Repositories instance with all PostgreSQL implementations.
func NewRepositories(pool *db.Pool) *Repositories {
	return &Repositories{
		Iteration: NewIterationRepository(pool),
		Run:       NewRunRepository(pool),
	}
}
