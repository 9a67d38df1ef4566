package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Summary describes one run of the evolver. It is written when the run stops.
type Summary struct {
	RunID                 uuid.UUID             `json:"run_id"`
	GenerationMode        domain.GenerationMode `json:"generation_mode"`
	StartedAt             time.Time             `json:"started_at"`
	FinishedAt            time.Time             `json:"finished_at"`
	StartIteration        int                   `json:"start_iteration"`
	NextIteration         int                   `json:"next_iteration"`
	MaxIterations         int                   `json:"max_iterations"`
	IterationsRun         int                   `json:"iterations_run"`
	LevelCounts           map[string]int        `json:"level_counts"`
	Validated             int                   `json:"validated"`
	OrchestrationFailures int                   `json:"orchestration_failures"`
	Champion              *domain.Champion      `json:"champion,omitempty"`
	Lineage               []domain.LineageEntry `json:"lineage,omitempty"`
	HallOfFame            []domain.CandidateRef `json:"hall_of_fame,omitempty"`
	DiversityScore        *float64              `json:"diversity_score,omitempty"`
	DiversityCollapsed    bool                  `json:"diversity_collapsed"`
	StopReason            domain.StopReason     `json:"stop_reason"`
	Error                 string                `json:"error,omitempty"`
}

// NewSummary creates an empty summary for a run.
func NewSummary(runID uuid.UUID, mode domain.GenerationMode, start, maxIterations int) *Summary {
	counts := make(map[string]int, 4)
	for _, l := range domain.AllLevels() {
		counts[l.String()] = 0
	}
	return &Summary{
		RunID:          runID,
		GenerationMode: mode,
		StartedAt:      time.Now().UTC(),
		StartIteration: start,
		NextIteration:  start,
		MaxIterations:  maxIterations,
		LevelCounts:    counts,
	}
}

// Count adds one written record to the summary.
func (s *Summary) Count(rec *domain.IterationRecord) {
	s.IterationsRun++
	s.LevelCounts[rec.Classification.Level.String()]++
	if rec.Validated() {
		s.Validated++
	}
	if rec.Execution.ErrorKind == domain.ErrorKindOrchestration {
		s.OrchestrationFailures++
	}
	if rec.IterationNum+1 > s.NextIteration {
		s.NextIteration = rec.IterationNum + 1
	}
}

// WriteSummary writes the summary as indented JSON, replacing any previous file atomically.
func WriteSummary(path string, s *Summary) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create summary dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*.json")
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary file.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &s, nil
}
