package orchestrator

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/db/repository"
	"github.com/saltfish/freqsearch/go-evolver/internal/diversity"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
	"github.com/saltfish/freqsearch/go-evolver/internal/generator"
	"github.com/saltfish/freqsearch/go-evolver/internal/metrics"
	"github.com/saltfish/freqsearch/go-evolver/internal/normalizer"
	"github.com/saltfish/freqsearch/go-evolver/internal/sandbox"
	"github.com/saltfish/freqsearch/go-evolver/internal/validation"
)

// Options holds the loop settings.
type Options struct {
	MaxIterations      int
	MaxConcurrent      int
	Timeout            time.Duration
	ContinueOnError    bool
	HistoryPath        string
	SummaryPath        string
	StalenessThreshold int
	HallOfFameSize     int
	Diversity          diversity.Options
	GenerationMode     domain.GenerationMode

	// SignificanceFamily is config.SignificanceFamilyBatch or config.SignificanceFamilyRun.
	SignificanceFamily string
	// GeneratorBackoff is how long the loop waits before asking again when the generator
	// reports itself unavailable. Zero means one second.
	GeneratorBackoff time.Duration
}

// OptionsFromConfig builds Options from the configuration and the resolved generation mode.
func OptionsFromConfig(root *config.Config, mode domain.GenerationMode) Options {
	cfg := &root.Evolver
	return Options{
		MaxIterations:      cfg.MaxIterations,
		MaxConcurrent:      cfg.MaxConcurrentSandboxes,
		Timeout:            cfg.Timeout(),
		ContinueOnError:    cfg.ContinueOnError,
		HistoryPath:        cfg.HistoryPath,
		SummaryPath:        cfg.SummaryPath,
		StalenessThreshold: cfg.ChampionStalenessThreshold,
		HallOfFameSize:     cfg.HallOfFameSize,
		Diversity: diversity.Options{
			Floor:          cfg.DiversityCollapseFloor,
			Window:         cfg.DiversityCollapseWindow,
			GenerationSize: cfg.DiversityGenerationSize,
		},
		GenerationMode:     mode,
		SignificanceFamily: cfg.SignificanceFamily,
		GeneratorBackoff:   root.Generation.OpenTimeout(),
	}
}

// BenchmarkSource supplies the current benchmark sharpe.
type BenchmarkSource interface {
	Sharpe() float64
}

// Deps are the collaborators of the loop. Publisher, Metrics, Mirror, Runs and Tracer are optional.
type Deps struct {
	Generator  generator.Generator
	Executor   sandbox.Executor
	Normalizer *normalizer.Normalizer
	Validator  *validation.Validator
	Benchmark  BenchmarkSource
	Publisher  events.Publisher
	Metrics    *metrics.Registry
	Mirror     repository.IterationRepository
	Runs       repository.RunRepository
	Tracer     trace.Tracer
	Logger     *zap.Logger
}
