package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 252, cfg.Evolver.MinSampleSize)
	assert.Equal(t, 0.05, cfg.Evolver.SignificanceBaseAlpha)
}

// The significance cutoff and the dynamic-threshold margin are separate knobs and
// must never collapse back into one literal.
func TestDefault_CutoffAndMarginAreDistinct(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.5, cfg.Evolver.SignificanceSharpeCutoff)
	assert.Equal(t, 0.2, cfg.Evolver.DynamicThresholdMargin)
	assert.NotEqual(t, cfg.Evolver.SignificanceSharpeCutoff, cfg.Evolver.DynamicThresholdMargin)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolver.yaml")
	yaml := `
env: test
evolver:
  max_iterations: 40
  significance_sharpe_cutoff: 0.7
  history_path: /tmp/hist.jsonl
sandbox:
  backend: process
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("EVOLVER_MAX_ITERATIONS", "12")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 12, cfg.Evolver.MaxIterations)
	assert.Equal(t, 0.7, cfg.Evolver.SignificanceSharpeCutoff)
	assert.Equal(t, 0.2, cfg.Evolver.DynamicThresholdMargin)
	assert.Equal(t, "/tmp/hist.jsonl", cfg.Evolver.HistoryPath)
	assert.Equal(t, "process", cfg.Sandbox.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Evolver, cfg.Evolver)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Evolver.SignificanceBaseAlpha = 1.5
	cfg.Evolver.BootstrapResamples = 0
	cfg.Sandbox.Backend = "vm"
	cfg.Logging.Level = "verbose"
	cfg.RabbitMQ.URL = "http://broker"
	cfg.Evolver.BenchmarkRefreshCron = "not a cron"

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var ves ValidationErrors
	require.True(t, errors.As(err, &ves))

	fields := make(map[string]bool)
	for _, ve := range ves {
		fields[ve.Field] = true
	}
	assert.True(t, fields["evolver.significance_base_alpha"])
	assert.True(t, fields["evolver.bootstrap_resamples"])
	assert.True(t, fields["sandbox.backend"])
	assert.True(t, fields["logging.level"])
	assert.True(t, fields["rabbitmq.url"])
	assert.True(t, fields["evolver.benchmark_refresh_cron"])
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  backend: process\n  isolate_network: false\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "isolate_network")
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolver.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Sandbox, cfg.Sandbox)
}

func TestValidate_SignificanceFamily(t *testing.T) {
	cfg := Default()
	assert.Equal(t, SignificanceFamilyBatch, cfg.Evolver.SignificanceFamily)

	cfg.Evolver.SignificanceFamily = SignificanceFamilyRun
	assert.NoError(t, Validate(cfg))

	cfg.Evolver.SignificanceFamily = "iteration"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evolver.significance_family")
}

func TestValidate_TracingAndGRPC(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SampleRatio = 2
	cfg.GRPC.Port = cfg.HTTP.Port

	err := Validate(cfg)
	require.Error(t, err)

	var ves ValidationErrors
	require.True(t, errors.As(err, &ves))
	fields := make(map[string]bool)
	for _, ve := range ves {
		fields[ve.Field] = true
	}
	assert.True(t, fields["tracing.endpoint"])
	assert.True(t, fields["tracing.sample_ratio"])
	assert.True(t, fields["grpc.port"])

	cfg = Default()
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, Validate(cfg))
}

func TestGenerationConfig_OpenTimeout(t *testing.T) {
	g := GenerationConfig{BreakerOpenTimeout: "5s"}
	assert.Equal(t, 5*time.Second, g.OpenTimeout())

	g.BreakerOpenTimeout = "soon"
	assert.Equal(t, 30*time.Second, g.OpenTimeout())
}

func TestValidate_DatabaseOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Database.SSLMode = "bogus"
	assert.NoError(t, Validate(cfg))

	cfg.Database.Host = "localhost"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.sslmode")
}

func TestValidate_GenerationConflictIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Generation.KillSwitch = true
	cfg.Generation.LLMSynthesis = true

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfigurationConflict))
	assert.False(t, IsValidationError(err))
}

func TestResolveGenerationMode(t *testing.T) {
	tests := []struct {
		name     string
		cfg      GenerationConfig
		want     domain.GenerationMode
		conflict bool
	}{
		{name: "no flags defaults to mutation", cfg: GenerationConfig{}, want: domain.GenerationModeMutation},
		{name: "legacy only", cfg: GenerationConfig{LegacyMutation: true}, want: domain.GenerationModeMutation},
		{name: "synthesis only", cfg: GenerationConfig{LLMSynthesis: true}, want: domain.GenerationModeSynthesis},
		{name: "hybrid", cfg: GenerationConfig{LegacyMutation: true, LLMSynthesis: true, Hybrid: true}, want: domain.GenerationModeHybrid},
		{name: "kill switch alone", cfg: GenerationConfig{KillSwitch: true}, want: domain.GenerationModeMutation},
		{name: "kill switch with legacy", cfg: GenerationConfig{KillSwitch: true, LegacyMutation: true}, want: domain.GenerationModeMutation},
		{name: "kill switch with synthesis", cfg: GenerationConfig{KillSwitch: true, LLMSynthesis: true}, conflict: true},
		{name: "kill switch with hybrid", cfg: GenerationConfig{KillSwitch: true, LegacyMutation: true, LLMSynthesis: true, Hybrid: true}, conflict: true},
		{name: "legacy and synthesis without hybrid", cfg: GenerationConfig{LegacyMutation: true, LLMSynthesis: true}, conflict: true},
		{name: "hybrid without legacy", cfg: GenerationConfig{LLMSynthesis: true, Hybrid: true}, conflict: true},
		{name: "hybrid alone", cfg: GenerationConfig{Hybrid: true}, conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ResolveGenerationMode(tt.cfg)
			if tt.conflict {
				require.Error(t, err)
				var cce domain.ConfigurationConflictError
				require.True(t, errors.As(err, &cce))
				assert.NotEmpty(t, cce.Flags)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
		})
	}
}

func TestParseMemory(t *testing.T) {
	n, err := ParseMemory("512m")
	require.NoError(t, err)
	assert.Equal(t, int64(512<<20), n)

	n, err = ParseMemory("2g")
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), n)

	n, err = ParseMemory("1024")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	_, err = ParseMemory("lots")
	assert.Error(t, err)
}
