// Package domain contains the core domain models for the strategy evolver.
package domain

import (
	"encoding/json"
	"fmt"
)

// SuccessLevel is the ordinal quality of one iteration's outcome.
// Higher levels subsume the criteria of the lower ones.
type SuccessLevel int

const (
	LevelFailed       SuccessLevel = 0
	LevelExecuted     SuccessLevel = 1
	LevelValidMetrics SuccessLevel = 2
	LevelProfitable   SuccessLevel = 3
)

var levelNames = map[SuccessLevel]string{
	LevelFailed:       "FAILED",
	LevelExecuted:     "EXECUTED",
	LevelValidMetrics: "VALID_METRICS",
	LevelProfitable:   "PROFITABLE",
}

// IsValid returns true if the level is one of the four defined levels.
func (l SuccessLevel) IsValid() bool {
	_, ok := levelNames[l]
	return ok
}

// String returns the string representation of the level.
func (l SuccessLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// RequiresValidation returns true if records at this level carry a ValidationReport.
func (l SuccessLevel) RequiresValidation() bool {
	return l >= LevelValidMetrics
}

// SuccessLevelFromString converts a string to SuccessLevel.
func SuccessLevelFromString(s string) SuccessLevel {
	for level, name := range levelNames {
		if name == s {
			return level
		}
	}
	return LevelFailed
}

// MarshalJSON encodes the level by name so history lines stay readable.
func (l SuccessLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts either the level name or its ordinal.
func (l *SuccessLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*l = SuccessLevelFromString(name)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid success level %s", string(data))
	}
	*l = SuccessLevel(n)
	if !l.IsValid() {
		return fmt.Errorf("invalid success level %d", n)
	}
	return nil
}

// AllLevels returns the levels in ascending order.
func AllLevels() []SuccessLevel {
	return []SuccessLevel{LevelFailed, LevelExecuted, LevelValidMetrics, LevelProfitable}
}

// ErrorKind classifies why an execution did not succeed.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindRuntime       ErrorKind = "runtime_error"
	ErrorKindSandbox       ErrorKind = "sandbox_error"
	ErrorKindOrchestration ErrorKind = "orchestration_error"
)

// IsValid returns true if the kind is a valid ErrorKind.
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindNone, ErrorKindTimeout, ErrorKindRuntime, ErrorKindSandbox, ErrorKindOrchestration:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	if k == ErrorKindNone {
		return "none"
	}
	return string(k)
}

// GenerationMode is the method used to produce candidates.
type GenerationMode string

const (
	GenerationModeMutation  GenerationMode = "mutation"
	GenerationModeSynthesis GenerationMode = "synthesis"
	GenerationModeHybrid    GenerationMode = "hybrid"
)

// IsValid returns true if the mode is a valid GenerationMode.
func (m GenerationMode) IsValid() bool {
	switch m {
	case GenerationModeMutation, GenerationModeSynthesis, GenerationModeHybrid:
		return true
	default:
		return false
	}
}

// String returns the string representation of the mode.
func (m GenerationMode) String() string {
	return string(m)
}

// GenerationModeFromString converts a string to GenerationMode.
func GenerationModeFromString(s string) GenerationMode {
	mode := GenerationMode(s)
	if mode.IsValid() {
		return mode
	}
	return GenerationModeMutation
}

// SearchMode tells the generator whether to refine the champion or to explore.
type SearchMode string

const (
	SearchModeExploit SearchMode = "exploit"
	SearchModeExplore SearchMode = "explore"
)

// String returns the string representation of the mode.
func (m SearchMode) String() string {
	return string(m)
}

// ExtractionMethod identifies which report field produced a return series.
type ExtractionMethod int

const (
	MethodNone ExtractionMethod = iota
	MethodReturns
	MethodDailyReturns
	MethodEquityCurve
	MethodPositionValues
)

var methodNames = map[ExtractionMethod]string{
	MethodNone:           "none",
	MethodReturns:        "returns",
	MethodDailyReturns:   "daily_returns",
	MethodEquityCurve:    "equity_curve",
	MethodPositionValues: "position_values",
}

// String returns the string representation of the method.
func (m ExtractionMethod) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the method by name.
func (m ExtractionMethod) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a method name.
func (m *ExtractionMethod) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for method, n := range methodNames {
		if n == name {
			*m = method
			return nil
		}
	}
	*m = MethodNone
	return nil
}

// MetricsSource records where summary metrics came from.
type MetricsSource string

const (
	MetricsSourceNone   MetricsSource = "none"
	MetricsSourceSeries MetricsSource = "series"
	MetricsSourceReport MetricsSource = "report"
)

// StopReason explains why a run ended.
type StopReason string

const (
	StopReasonCompleted   StopReason = "completed"
	StopReasonInterrupted StopReason = "interrupted"
	StopReasonError       StopReason = "error"
)
