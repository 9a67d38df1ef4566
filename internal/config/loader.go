package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file and applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if exists
	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	// Unknown keys are rejected so a removed or misspelled setting cannot be silently ignored.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	envString("ENV", &cfg.Env)

	// Evolver
	e := &cfg.Evolver
	envInt("EVOLVER_MAX_ITERATIONS", &e.MaxIterations)
	envInt("EVOLVER_TIMEOUT_SECONDS", &e.TimeoutSeconds)
	envInt("EVOLVER_MAX_CONCURRENT_SANDBOXES", &e.MaxConcurrentSandboxes)
	envBool("EVOLVER_CONTINUE_ON_ERROR", &e.ContinueOnError)
	envString("EVOLVER_HISTORY_PATH", &e.HistoryPath)
	envString("EVOLVER_SUMMARY_PATH", &e.SummaryPath)
	envInt("EVOLVER_MIN_SAMPLE_SIZE", &e.MinSampleSize)
	envFloat("EVOLVER_DYNAMIC_THRESHOLD_MARGIN", &e.DynamicThresholdMargin)
	envFloat("EVOLVER_BENCHMARK_SHARPE", &e.BenchmarkSharpe)
	envString("EVOLVER_BENCHMARK_PRICES_PATH", &e.BenchmarkPricesPath)
	envFloat("EVOLVER_SIGNIFICANCE_BASE_ALPHA", &e.SignificanceBaseAlpha)
	envFloat("EVOLVER_SIGNIFICANCE_SHARPE_CUTOFF", &e.SignificanceSharpeCutoff)
	envString("EVOLVER_SIGNIFICANCE_FAMILY", &e.SignificanceFamily)
	envInt("EVOLVER_BOOTSTRAP_RESAMPLES", &e.BootstrapResamples)
	envFloat("EVOLVER_DIVERSITY_COLLAPSE_FLOOR", &e.DiversityCollapseFloor)
	envInt("EVOLVER_DIVERSITY_COLLAPSE_WINDOW", &e.DiversityCollapseWindow)
	envInt("EVOLVER_CHAMPION_STALENESS_THRESHOLD", &e.ChampionStalenessThreshold)

	// Generation
	envBool("GENERATION_LEGACY_MUTATION", &cfg.Generation.LegacyMutation)
	envBool("GENERATION_LLM_SYNTHESIS", &cfg.Generation.LLMSynthesis)
	envBool("GENERATION_HYBRID", &cfg.Generation.Hybrid)
	envBool("GENERATION_KILL_SWITCH", &cfg.Generation.KillSwitch)
	envString("GENERATION_SPOOL_DIR", &cfg.Generation.SpoolDir)
	envString("GENERATION_QUEUE", &cfg.Generation.Queue)

	// Sandbox
	envString("SANDBOX_BACKEND", &cfg.Sandbox.Backend)
	envString("SANDBOX_IMAGE", &cfg.Sandbox.Image)
	envFloat("SANDBOX_CPU_LIMIT", &cfg.Sandbox.CPULimit)
	envString("SANDBOX_MEMORY_LIMIT", &cfg.Sandbox.MemoryLimit)
	envString("SANDBOX_SCRATCH_ROOT", &cfg.Sandbox.ScratchRoot)

	// Database
	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_NAME", &cfg.Database.Name)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)

	// RabbitMQ
	envString("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	envString("RABBITMQ_EXCHANGE", &cfg.RabbitMQ.Exchange)

	envInt("HTTP_PORT", &cfg.HTTP.Port)
	envInt("GRPC_PORT", &cfg.GRPC.Port)

	// Tracing
	envString("TRACING_EXPORTER", &cfg.Tracing.Exporter)
	envString("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	envFloat("TRACING_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// MustLoad loads configuration and panics on error.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
