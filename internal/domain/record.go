package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClassificationResult is the quality level assigned to one execution.
type ClassificationResult struct {
	Level         SuccessLevel `json:"level"`
	CoverageRatio float64      `json:"coverage_ratio"`
	Reason        string       `json:"reason"`
}

// BatchClassification is the quality level of a group of executions.
type BatchClassification struct {
	Level              SuccessLevel           `json:"level"`
	Members            int                    `json:"members"`
	Successful         int                    `json:"successful"`
	Profitable         int                    `json:"profitable"`
	CoverageRatio      float64                `json:"coverage_ratio"`
	ProfitabilityRatio float64                `json:"profitability_ratio"`
	LevelCounts        map[SuccessLevel]int   `json:"-"`
	PerMember          []ClassificationResult `json:"per_member"`
	Reason             string                 `json:"reason"`
}

// ValidationReport is the outcome of the statistical validator.
type ValidationReport struct {
	StatisticallySignificant bool    `json:"statistically_significant"`
	DynamicThreshold         float64 `json:"dynamic_threshold"`
	DynamicPassed            bool    `json:"dynamic_passed"`
	BenchmarkSharpe          float64 `json:"benchmark_sharpe"`
	SignificanceCutoff       float64 `json:"significance_cutoff"`
	BonferroniAlpha          float64 `json:"bonferroni_alpha"`
	Comparisons              int     `json:"comparisons"`
	PValue                   float64 `json:"p_value"`
	ObservedSharpe           float64 `json:"observed_sharpe"`
	Resamples                int     `json:"resamples"`
	Passed                   bool    `json:"passed"`
	Reason                   string  `json:"reason,omitempty"`
}

// IterationRecord is the unit of persisted history. It is never mutated after being written.
type IterationRecord struct {
	RunID          uuid.UUID            `json:"run_id"`
	IterationNum   int                  `json:"iteration_num"`
	Candidate      CandidateRef         `json:"candidate"`
	Execution      ExecutionResult      `json:"execution"`
	Metrics        StrategyMetrics      `json:"metrics"`
	Classification ClassificationResult `json:"classification"`
	Validation     *ValidationReport    `json:"validation,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// CheckInvariant verifies that a validation report is present iff the level requires one.
func (r *IterationRecord) CheckInvariant() error {
	needs := r.Classification.Level.RequiresValidation()
	has := r.Validation != nil
	if needs != has {
		return fmt.Errorf("iteration %d: level %s with validation present=%t",
			r.IterationNum, r.Classification.Level, has)
	}
	if !r.Execution.Success && r.Classification.Level != LevelFailed {
		return fmt.Errorf("iteration %d: failed execution classified as %s",
			r.IterationNum, r.Classification.Level)
	}
	return nil
}

// Validated returns true if the record passed statistical validation.
func (r *IterationRecord) Validated() bool {
	return r.Validation != nil && r.Validation.Passed
}

// Sharpe returns the record's sharpe ratio and whether it is present.
func (r *IterationRecord) Sharpe() (float64, bool) {
	return r.Metrics.Sharpe()
}

// Champion is the best validated record seen so far.
type Champion struct {
	Record                IterationRecord `json:"record"`
	UpdatedAtIteration    int             `json:"updated_at_iteration"`
	IterationsSinceUpdate int             `json:"iterations_since_update"`
}

// LineageEntry is one champion transition.
type LineageEntry struct {
	Iteration   int        `json:"iteration"`
	CandidateID uuid.UUID  `json:"candidate_id"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	Sharpe      float64    `json:"sharpe"`
	Previous    *float64   `json:"previous_sharpe,omitempty"`
}

// PopulationSnapshot is the set of records of one generation, unique by candidate.
type PopulationSnapshot struct {
	Generation int               `json:"generation"`
	Records    []IterationRecord `json:"-"`
}

// NewPopulationSnapshot copies records into a snapshot, dropping duplicate candidates.
func NewPopulationSnapshot(generation int, records []IterationRecord) PopulationSnapshot {
	seen := make(map[uuid.UUID]bool, len(records))
	unique := make([]IterationRecord, 0, len(records))
	for _, rec := range records {
		if seen[rec.Candidate.ID] {
			continue
		}
		seen[rec.Candidate.ID] = true
		unique = append(unique, rec)
	}
	return PopulationSnapshot{Generation: generation, Records: unique}
}

// Size returns the number of unique members.
func (p PopulationSnapshot) Size() int {
	return len(p.Records)
}
