package domain

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxErrorMessageLen bounds error text carried out of the sandbox.
const MaxErrorMessageLen = 500

// ExecutionResult is the outcome of running one candidate in a sandbox.
type ExecutionResult struct {
	CandidateID   uuid.UUID       `json:"candidate_id"`
	Success       bool            `json:"success"`
	RawOutput     json.RawMessage `json:"raw_output,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ExitCode      int64           `json:"exit_code"`
	ExecutionTime time.Duration   `json:"execution_time_ns"`
}

// NewFailedExecution creates a failed ExecutionResult with a truncated message.
func NewFailedExecution(candidateID uuid.UUID, kind ErrorKind, msg string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		CandidateID:   candidateID,
		Success:       false,
		ErrorKind:     kind,
		ErrorMessage:  TruncateMessage(msg),
		ExitCode:      -1,
		ExecutionTime: elapsed,
	}
}

// TruncateMessage keeps the tail of a message, where tracebacks put the actual fault.
// The cut moves forward to the next rune boundary, so the result is at most
// MaxErrorMessageLen bytes and never starts inside a multi-byte rune.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := len(msg) - (MaxErrorMessageLen - 3)
	for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
		cut++
	}
	return "..." + msg[cut:]
}

// ReturnSeries is an ordered sequence of per-period returns.
type ReturnSeries struct {
	Values []float64        `json:"-"`
	Method ExtractionMethod `json:"method"`
	Field  string           `json:"field"`
}

// Len returns the number of observations.
func (s ReturnSeries) Len() int {
	return len(s.Values)
}

// StrategyMetrics holds the summary statistics of one execution. A nil field was not computable.
type StrategyMetrics struct {
	SharpeRatio  *float64         `json:"sharpe_ratio,omitempty"`
	TotalReturn  *float64         `json:"total_return,omitempty"`
	MaxDrawdown  *float64         `json:"max_drawdown,omitempty"`
	CAGR         *float64         `json:"cagr,omitempty"`
	Source       MetricsSource    `json:"source"`
	Observations int              `json:"observations"`
	Extraction   ExtractionMethod `json:"extraction"`
}

// CoreMetricCount is the number of metrics counted for coverage (sharpe, return, drawdown).
const CoreMetricCount = 3

// CorePresent returns how many of the core metrics are present.
func (m *StrategyMetrics) CorePresent() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, v := range []*float64{m.SharpeRatio, m.TotalReturn, m.MaxDrawdown} {
		if v != nil {
			n++
		}
	}
	return n
}

// Sharpe returns the sharpe ratio and whether it is present.
func (m *StrategyMetrics) Sharpe() (float64, bool) {
	if m == nil || m.SharpeRatio == nil {
		return 0, false
	}
	return *m.SharpeRatio, true
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}
