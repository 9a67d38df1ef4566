package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
// A generation flag conflict is returned on its own as a ConfigurationConflictError.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs = append(errs, ValidationError{
			Field:   "env",
			Message: "must be one of: development, staging, production, test",
		})
	}

	errs = append(errs, validateEvolver(&cfg.Evolver)...)
	errs = append(errs, validateGeneration(&cfg.Generation, cfg.RabbitMQ.URL != "")...)
	errs = append(errs, validateSandbox(&cfg.Sandbox)...)

	if cfg.Database.Enabled() {
		errs = append(errs, validateDatabase(&cfg.Database)...)
	}
	if cfg.RabbitMQ.URL != "" {
		errs = append(errs, validateRabbitMQ(&cfg.RabbitMQ)...)
	}

	for _, p := range []struct {
		field string
		port  int
	}{{"http.port", cfg.HTTP.Port}, {"grpc.port", cfg.GRPC.Port}} {
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Message: "must be 0 (disabled) or a valid port number (1-65535)",
			})
		}
	}
	if cfg.GRPC.Port != 0 && cfg.GRPC.Port == cfg.HTTP.Port {
		errs = append(errs, ValidationError{Field: "grpc.port", Message: "must differ from http.port"})
	}

	errs = append(errs, validateTracing(&cfg.Tracing)...)

	errs = append(errs, validateLogging(&cfg.Logging)...)

	if _, err := ResolveGenerationMode(cfg.Generation); err != nil {
		return err
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEvolver(e *EvolverConfig) ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value int
	}{
		{"evolver.max_iterations", e.MaxIterations},
		{"evolver.timeout_seconds", e.TimeoutSeconds},
		{"evolver.max_concurrent_sandboxes", e.MaxConcurrentSandboxes},
		{"evolver.bootstrap_resamples", e.BootstrapResamples},
		{"evolver.diversity_collapse_window", e.DiversityCollapseWindow},
		{"evolver.diversity_generation_size", e.DiversityGenerationSize},
		{"evolver.champion_staleness_threshold", e.ChampionStalenessThreshold},
		{"evolver.hall_of_fame_size", e.HallOfFameSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be greater than 0"})
		}
	}

	if e.MaxConcurrentSandboxes > 64 {
		errs = append(errs, ValidationError{
			Field:   "evolver.max_concurrent_sandboxes",
			Message: "should not exceed 64 for reasonable resource usage",
		})
	}
	if e.MinSampleSize < 2 {
		errs = append(errs, ValidationError{
			Field:   "evolver.min_sample_size",
			Message: "must be at least 2",
		})
	}
	if e.PeriodsPerYear <= 0 {
		errs = append(errs, ValidationError{
			Field:   "evolver.periods_per_year",
			Message: "must be greater than 0",
		})
	}
	if e.HistoryPath == "" {
		errs = append(errs, ValidationError{Field: "evolver.history_path", Message: "is required"})
	}
	if e.SummaryPath == "" {
		errs = append(errs, ValidationError{Field: "evolver.summary_path", Message: "is required"})
	}
	if e.DynamicThresholdMargin < 0 {
		errs = append(errs, ValidationError{
			Field:   "evolver.dynamic_threshold_margin",
			Message: "must be non-negative",
		})
	}
	if e.SignificanceBaseAlpha <= 0 || e.SignificanceBaseAlpha >= 1 {
		errs = append(errs, ValidationError{
			Field:   "evolver.significance_base_alpha",
			Message: "must be in (0, 1)",
		})
	}
	if e.SignificanceFamily != SignificanceFamilyBatch && e.SignificanceFamily != SignificanceFamilyRun {
		errs = append(errs, ValidationError{
			Field:   "evolver.significance_family",
			Message: "must be one of: batch, run",
		})
	}
	if e.BootstrapMeanBlock < 1 {
		errs = append(errs, ValidationError{
			Field:   "evolver.bootstrap_mean_block",
			Message: "must be at least 1",
		})
	}
	if e.DiversityCollapseFloor < 0 || e.DiversityCollapseFloor > 1 {
		errs = append(errs, ValidationError{
			Field:   "evolver.diversity_collapse_floor",
			Message: "must be in [0, 1]",
		})
	}
	if e.BenchmarkRefreshCron != "" {
		if _, err := cron.ParseStandard(e.BenchmarkRefreshCron); err != nil {
			errs = append(errs, ValidationError{
				Field:   "evolver.benchmark_refresh_cron",
				Message: "invalid cron expression: " + err.Error(),
			})
		}
	}

	return errs
}

func validateGeneration(g *GenerationConfig, haveBroker bool) ValidationErrors {
	var errs ValidationErrors

	if len(g.Command) == 0 && g.SpoolDir == "" && g.Queue == "" {
		errs = append(errs, ValidationError{
			Field:   "generation.command/queue/spool_dir",
			Message: "one of command, queue or spool_dir is required",
		})
	}
	if g.Queue != "" {
		if !haveBroker {
			errs = append(errs, ValidationError{
				Field:   "generation.queue",
				Message: "requires rabbitmq.url",
			})
		}
		if _, err := time.ParseDuration(g.QueueTimeout); err != nil {
			errs = append(errs, ValidationError{
				Field:   "generation.queue_timeout",
				Message: "must be a valid duration",
			})
		}
	}
	if _, err := time.ParseDuration(g.CommandTimeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "generation.command_timeout",
			Message: "must be a valid duration",
		})
	}
	if _, err := time.ParseDuration(g.BreakerOpenTimeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "generation.breaker_open_timeout",
			Message: "must be a valid duration",
		})
	}

	return errs
}

func validateSandbox(s *SandboxConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "docker":
		if s.Image == "" {
			errs = append(errs, ValidationError{Field: "sandbox.image", Message: "is required"})
		}
		if len(s.Command) == 0 {
			errs = append(errs, ValidationError{Field: "sandbox.command", Message: "is required"})
		}
	case "process":
		if len(s.ProcessCommand) == 0 {
			errs = append(errs, ValidationError{Field: "sandbox.process_command", Message: "is required"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "sandbox.backend",
			Message: "must be one of: docker, process",
		})
	}

	if s.CPULimit <= 0 {
		errs = append(errs, ValidationError{Field: "sandbox.cpu_limit", Message: "must be greater than 0"})
	}
	if mem, err := ParseMemory(s.MemoryLimit); err != nil || mem <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.memory_limit",
			Message: "must be a positive size such as 512m or 2g",
		})
	}
	if s.PidsLimit <= 0 {
		errs = append(errs, ValidationError{Field: "sandbox.pids_limit", Message: "must be greater than 0"})
	}
	if s.CleanupStaleAge != "" {
		if _, err := time.ParseDuration(s.CleanupStaleAge); err != nil {
			errs = append(errs, ValidationError{
				Field:   "sandbox.cleanup_stale_age",
				Message: "must be a valid duration",
			})
		}
	}

	return errs
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Port <= 0 || db.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "database.port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if db.User == "" {
		errs = append(errs, ValidationError{Field: "database.user", Message: "is required"})
	}
	if db.Name == "" {
		errs = append(errs, ValidationError{Field: "database.name", Message: "is required"})
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[db.SSLMode] {
		errs = append(errs, ValidationError{
			Field:   "database.sslmode",
			Message: "must be one of: disable, require, verify-ca, verify-full",
		})
	}

	if db.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_connections",
			Message: "must be greater than 0",
		})
	}
	if db.MaxIdleConnections < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must be non-negative",
		})
	}
	if db.MaxIdleConnections > db.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must not exceed max_connections",
		})
	}

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "must start with amqp:// or amqps://",
		})
	}
	if mq.Exchange == "" {
		errs = append(errs, ValidationError{Field: "rabbitmq.exchange", Message: "is required"})
	}

	return errs
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors

	switch t.Exporter {
	case "none", "stdout":
	case "otlp":
		if t.Endpoint == "" {
			errs = append(errs, ValidationError{Field: "tracing.endpoint", Message: "is required for the otlp exporter"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "tracing.exporter",
			Message: "must be one of: none, stdout, otlp",
		})
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{Field: "tracing.sample_ratio", Message: "must be in [0, 1]"})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, console",
		})
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
