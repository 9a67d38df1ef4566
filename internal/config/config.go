// Package config provides configuration management for the strategy evolver.
package config

import (
	"strconv"
	"time"

	"github.com/docker/go-units"
)

// Config is the root configuration structure.
type Config struct {
	Env        string           `yaml:"env"`
	Evolver    EvolverConfig    `yaml:"evolver"`
	Generation GenerationConfig `yaml:"generation"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EvolverConfig contains the iteration loop, validation and population settings.
type EvolverConfig struct {
	MaxIterations          int     `yaml:"max_iterations"`
	TimeoutSeconds         int     `yaml:"timeout_seconds"`
	MaxConcurrentSandboxes int     `yaml:"max_concurrent_sandboxes"`
	ContinueOnError        bool    `yaml:"continue_on_error"`
	HistoryPath            string  `yaml:"history_path"`
	SummaryPath            string  `yaml:"summary_path"`
	MinSampleSize          int     `yaml:"min_sample_size"`
	PeriodsPerYear         float64 `yaml:"periods_per_year"`

	// Dynamic threshold test: sharpe >= benchmark + margin.
	DynamicThresholdMargin float64 `yaml:"dynamic_threshold_margin"`
	BenchmarkSharpe        float64 `yaml:"benchmark_sharpe"`
	BenchmarkPricesPath    string  `yaml:"benchmark_prices_path"`
	BenchmarkRefreshCron   string  `yaml:"benchmark_refresh_cron"`

	// Significance test: bootstrap sharpe > cutoff at the Bonferroni-corrected alpha.
	SignificanceBaseAlpha    float64 `yaml:"significance_base_alpha"`
	SignificanceSharpeCutoff float64 `yaml:"significance_sharpe_cutoff"`
	SignificanceFamily       string  `yaml:"significance_family"`
	BootstrapResamples       int     `yaml:"bootstrap_resamples"`
	BootstrapMeanBlock       float64 `yaml:"bootstrap_mean_block"`
	BootstrapSeed            int64   `yaml:"bootstrap_seed"`

	DiversityCollapseFloor     float64 `yaml:"diversity_collapse_floor"`
	DiversityCollapseWindow    int     `yaml:"diversity_collapse_window"`
	DiversityGenerationSize    int     `yaml:"diversity_generation_size"`
	ChampionStalenessThreshold int     `yaml:"champion_staleness_threshold"`
	HallOfFameSize             int     `yaml:"hall_of_fame_size"`
}

// Comparison families for the Bonferroni correction.
const (
	// SignificanceFamilyBatch counts the candidates validated together in one batch.
	SignificanceFamilyBatch = "batch"
	// SignificanceFamilyRun counts every candidate validated in the history so far.
	SignificanceFamilyRun = "run"
)

// Timeout returns the per-candidate sandbox timeout.
func (e *EvolverConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// GenerationConfig selects how candidates are produced.
type GenerationConfig struct {
	LegacyMutation bool     `yaml:"legacy_mutation"`
	LLMSynthesis   bool     `yaml:"llm_synthesis"`
	Hybrid         bool     `yaml:"hybrid"`
	KillSwitch     bool     `yaml:"kill_switch"`
	Command        []string `yaml:"command"`
	SpoolDir       string   `yaml:"spool_dir"`
	CommandTimeout string   `yaml:"command_timeout"`

	// Queue receives candidate.proposed events over RabbitMQ. It takes precedence over
	// spool_dir and requires rabbitmq.url.
	Queue        string `yaml:"queue"`
	QueueTimeout string `yaml:"queue_timeout"`

	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	BreakerOpenTimeout string `yaml:"breaker_open_timeout"`
}

// OpenTimeout returns the parsed breaker open timeout, or 30s when unset or invalid.
func (g *GenerationConfig) OpenTimeout() time.Duration {
	d, err := time.ParseDuration(g.BreakerOpenTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// SandboxConfig contains isolation settings for candidate execution. Both backends always
// run candidates without network access and with a read-only root filesystem.
type SandboxConfig struct {
	Backend     string   `yaml:"backend"`
	Image       string   `yaml:"image"`
	Command     []string `yaml:"command"`
	CPULimit    float64  `yaml:"cpu_limit"`
	MemoryLimit string   `yaml:"memory_limit"`
	PidsLimit   int64    `yaml:"pids_limit"`
	ScratchRoot string   `yaml:"scratch_root"`

	// ProcessCommand is used by the process backend. In both commands {entrypoint}
	// is replaced with the path of the candidate source.
	ProcessCommand  []string `yaml:"process_command"`
	CleanupStaleAge string   `yaml:"cleanup_stale_age"`
}

// DatabaseConfig contains PostgreSQL connection settings. An empty host disables the mirror.
type DatabaseConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Name               string `yaml:"name"`
	SSLMode            string `yaml:"sslmode"`
	MaxConnections     int    `yaml:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections"`
	ConnMaxLifetime    string `yaml:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured.
func (d *DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnectionString returns the PostgreSQL connection string.
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" +
		strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=" + d.SSLMode
}

// RabbitMQConfig contains RabbitMQ connection settings. An empty URL disables events.
type RabbitMQConfig struct {
	URL              string `yaml:"url"`
	Exchange         string `yaml:"exchange"`
	ReconnectDelay   string `yaml:"reconnect_delay"`
	MaxReconnectWait string `yaml:"max_reconnect_wait"`
}

// HTTPConfig contains the status server settings. Port 0 disables it.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// GRPCConfig contains the gRPC health server settings. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// TracingConfig selects the span exporter. Exporter "none" leaves tracing disabled.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Evolver: EvolverConfig{
			MaxIterations:              100,
			TimeoutSeconds:             300,
			MaxConcurrentSandboxes:     4,
			ContinueOnError:            true,
			HistoryPath:                "data/iterations.jsonl",
			SummaryPath:                "data/summary.json",
			MinSampleSize:              252,
			PeriodsPerYear:             252,
			DynamicThresholdMargin:     0.2,
			BenchmarkSharpe:            0.6,
			SignificanceBaseAlpha:      0.05,
			SignificanceSharpeCutoff:   0.5,
			SignificanceFamily:         SignificanceFamilyBatch,
			BootstrapResamples:         2000,
			BootstrapMeanBlock:         10,
			BootstrapSeed:              42,
			DiversityCollapseFloor:     0.1,
			DiversityCollapseWindow:    5,
			DiversityGenerationSize:    10,
			ChampionStalenessThreshold: 20,
			HallOfFameSize:             10,
		},
		Generation: GenerationConfig{
			LLMSynthesis:       true,
			SpoolDir:           "data/candidates",
			CommandTimeout:     "2m",
			QueueTimeout:       "10m",
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: "30s",
		},
		Sandbox: SandboxConfig{
			Backend:         "docker",
			Image:           "freqsearch/strategy-runner:latest",
			Command:         []string{"python", "{entrypoint}"},
			CPULimit:        1.0,
			MemoryLimit:     "1g",
			PidsLimit:       256,
			ScratchRoot:     "",
			ProcessCommand:  []string{"python3", "{entrypoint}"},
			CleanupStaleAge: "1h",
		},
		Database: DatabaseConfig{
			Port:               5432,
			User:               "postgres",
			Name:               "freqsearch_evolver",
			SSLMode:            "disable",
			MaxConnections:     10,
			MaxIdleConnections: 2,
			ConnMaxLifetime:    "1h",
		},
		RabbitMQ: RabbitMQConfig{
			Exchange:         "freqsearch.events",
			ReconnectDelay:   "5s",
			MaxReconnectWait: "30s",
		},
		HTTP: HTTPConfig{
			Port: 8083,
		},
		GRPC: GRPCConfig{
			Port: 0,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
			ServiceName: "strategy-evolver",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

// ParseMemory converts a docker-style size ("512m", "2g", "1048576") to bytes.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}
