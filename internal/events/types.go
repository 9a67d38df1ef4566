// Package events publishes evolver progress to RabbitMQ and other sinks, and consumes
// candidates proposed by external generators.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
)

// Routing keys for events.
const (
	// Run lifecycle events
	RoutingKeyRunStarted         = "run.started"
	RoutingKeyRunCompleted       = "run.completed"
	RoutingKeyIterationCompleted = "iteration.completed"
	RoutingKeyChampionUpdated    = "champion.updated"
	RoutingKeyDiversityCollapse  = "diversity.collapse"

	// Generator bridge (for external candidate agents)
	RoutingKeyGenerationRequested = "generation.requested"
	RoutingKeyCandidateProposed   = "candidate.proposed"
)

// PublishedRoutingKeys returns the routing keys the evolver publishes under.
// candidate.proposed is consumed, never published.
func PublishedRoutingKeys() []string {
	return []string{
		RoutingKeyRunStarted,
		RoutingKeyIterationCompleted,
		RoutingKeyChampionUpdated,
		RoutingKeyDiversityCollapse,
		RoutingKeyRunCompleted,
		RoutingKeyGenerationRequested,
	}
}

// IsPublishedRoutingKey reports whether the evolver publishes events under key.
func IsPublishedRoutingKey(key string) bool {
	for _, k := range PublishedRoutingKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    "go-evolver",
	}
}

// RunStartedEvent is published before the first iteration of a run.
type RunStartedEvent struct {
	BaseEvent
	RunID          uuid.UUID             `json:"run_id"`
	GenerationMode domain.GenerationMode `json:"generation_mode"`
	StartIteration int                   `json:"start_iteration"`
	MaxIterations  int                   `json:"max_iterations"`
}

// NewRunStartedEvent creates a new RunStartedEvent.
func NewRunStartedEvent(s *history.Summary) *RunStartedEvent {
	return &RunStartedEvent{
		BaseEvent:      NewBaseEvent(RoutingKeyRunStarted),
		RunID:          s.RunID,
		GenerationMode: s.GenerationMode,
		StartIteration: s.StartIteration,
		MaxIterations:  s.MaxIterations,
	}
}

// IterationCompletedEvent is published after a record is persisted.
type IterationCompletedEvent struct {
	BaseEvent
	RunID         uuid.UUID             `json:"run_id"`
	Iteration     int                   `json:"iteration"`
	CandidateID   uuid.UUID             `json:"candidate_id"`
	CandidateName string                `json:"candidate_name"`
	Origin        domain.GenerationMode `json:"origin"`
	Level         domain.SuccessLevel   `json:"level"`
	ErrorKind     domain.ErrorKind      `json:"error_kind,omitempty"`
	SharpeRatio   *float64              `json:"sharpe_ratio,omitempty"`
	Validated     bool                  `json:"validated"`
	PValue        *float64              `json:"p_value,omitempty"`
	DurationMs    int64                 `json:"duration_ms"`
	Reason        string                `json:"reason,omitempty"`
}

// NewIterationCompletedEvent creates a new IterationCompletedEvent.
func NewIterationCompletedEvent(rec *domain.IterationRecord) *IterationCompletedEvent {
	e := &IterationCompletedEvent{
		BaseEvent:     NewBaseEvent(RoutingKeyIterationCompleted),
		RunID:         rec.RunID,
		Iteration:     rec.IterationNum,
		CandidateID:   rec.Candidate.ID,
		CandidateName: rec.Candidate.Name,
		Origin:        rec.Candidate.Origin,
		Level:         rec.Classification.Level,
		ErrorKind:     rec.Execution.ErrorKind,
		SharpeRatio:   rec.Metrics.SharpeRatio,
		Validated:     rec.Validated(),
		DurationMs:    rec.Execution.ExecutionTime.Milliseconds(),
		Reason:        rec.Reason,
	}
	if rec.Validation != nil {
		e.PValue = domain.Float(rec.Validation.PValue)
	}
	return e
}

// ChampionUpdatedEvent is published when a validated record replaces the champion.
type ChampionUpdatedEvent struct {
	BaseEvent
	RunID          uuid.UUID  `json:"run_id"`
	Iteration      int        `json:"iteration"`
	CandidateID    uuid.UUID  `json:"candidate_id"`
	ParentID       *uuid.UUID `json:"parent_id,omitempty"`
	SharpeRatio    float64    `json:"sharpe_ratio"`
	PreviousSharpe *float64   `json:"previous_sharpe,omitempty"`
}

// NewChampionUpdatedEvent creates a new ChampionUpdatedEvent from a lineage transition.
func NewChampionUpdatedEvent(runID uuid.UUID, entry domain.LineageEntry) *ChampionUpdatedEvent {
	return &ChampionUpdatedEvent{
		BaseEvent:      NewBaseEvent(RoutingKeyChampionUpdated),
		RunID:          runID,
		Iteration:      entry.Iteration,
		CandidateID:    entry.CandidateID,
		ParentID:       entry.ParentID,
		SharpeRatio:    entry.Sharpe,
		PreviousSharpe: entry.Previous,
	}
}

// DiversityCollapseEvent is published when the population is flagged as collapsed.
type DiversityCollapseEvent struct {
	BaseEvent
	RunID          uuid.UUID `json:"run_id"`
	Generation     int       `json:"generation"`
	Score          float64   `json:"score"`
	ConsecutiveLow int       `json:"consecutive_low"`
}

// NewDiversityCollapseEvent creates a new DiversityCollapseEvent.
func NewDiversityCollapseEvent(runID uuid.UUID, generation int, score float64, consecutive int) *DiversityCollapseEvent {
	return &DiversityCollapseEvent{
		BaseEvent:      NewBaseEvent(RoutingKeyDiversityCollapse),
		RunID:          runID,
		Generation:     generation,
		Score:          score,
		ConsecutiveLow: consecutive,
	}
}

// RunCompletedEvent is published after the summary is written.
type RunCompletedEvent struct {
	BaseEvent
	RunID          uuid.UUID         `json:"run_id"`
	StopReason     domain.StopReason `json:"stop_reason"`
	IterationsRun  int               `json:"iterations_run"`
	Validated      int               `json:"validated"`
	NextIteration  int               `json:"next_iteration"`
	ChampionSharpe *float64          `json:"champion_sharpe,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// NewRunCompletedEvent creates a new RunCompletedEvent.
func NewRunCompletedEvent(s *history.Summary) *RunCompletedEvent {
	e := &RunCompletedEvent{
		BaseEvent:     NewBaseEvent(RoutingKeyRunCompleted),
		RunID:         s.RunID,
		StopReason:    s.StopReason,
		IterationsRun: s.IterationsRun,
		Validated:     s.Validated,
		NextIteration: s.NextIteration,
		Error:         s.Error,
	}
	if s.Champion != nil {
		e.ChampionSharpe = s.Champion.Record.Metrics.SharpeRatio
	}
	return e
}

// GenerationRequestedEvent asks external agents for the next candidate.
type GenerationRequestedEvent struct {
	BaseEvent
	RequestID string          `json:"request_id"`
	Feedback  json.RawMessage `json:"feedback"`
}

// NewGenerationRequestedEvent creates a new GenerationRequestedEvent.
func NewGenerationRequestedEvent(requestID string, feedback json.RawMessage) *GenerationRequestedEvent {
	return &GenerationRequestedEvent{
		BaseEvent: NewBaseEvent(RoutingKeyGenerationRequested),
		RequestID: requestID,
		Feedback:  feedback,
	}
}

// CandidateProposedEvent carries a candidate produced by an external agent.
type CandidateProposedEvent struct {
	BaseEvent
	RequestID string          `json:"request_id,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}
