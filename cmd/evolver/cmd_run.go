package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	grpcapi "github.com/saltfish/freqsearch/go-evolver/internal/api/grpc"
	httpapi "github.com/saltfish/freqsearch/go-evolver/internal/api/http"
	"github.com/saltfish/freqsearch/go-evolver/internal/benchmark"
	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/db"
	"github.com/saltfish/freqsearch/go-evolver/internal/db/repository"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
	"github.com/saltfish/freqsearch/go-evolver/internal/generator"
	"github.com/saltfish/freqsearch/go-evolver/internal/metrics"
	"github.com/saltfish/freqsearch/go-evolver/internal/normalizer"
	"github.com/saltfish/freqsearch/go-evolver/internal/orchestrator"
	"github.com/saltfish/freqsearch/go-evolver/internal/sandbox"
	"github.com/saltfish/freqsearch/go-evolver/internal/scheduler"
	"github.com/saltfish/freqsearch/go-evolver/internal/validation"
)

// shutdownTimeout bounds the graceful stop of the status server and the trace flush.
const shutdownTimeout = 10 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the evolver loop",
		Long: `Run the evolver until max_iterations is reached or the generator is exhausted.
SIGINT or SIGTERM lets the batch in flight finish and be recorded, then writes the
run summary and exits 0. Configuration and orchestration errors exit 1.`,
		Example: `  evolver run --config config/evolver.yaml
  EVOLVER_MAX_ITERATIONS=50 SANDBOX_BACKEND=process evolver run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvolver(*configPath)
		},
	}
}

func runEvolver(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	mode, err := config.ResolveGenerationMode(cfg.Generation)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting strategy evolver",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("generation_mode", mode.String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal, finishing current batch", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, mode, logger); err != nil {
		logger.Error("Evolver stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Strategy evolver stopped")
	return nil
}

// run initializes all components and runs the evolver loop until it stops.
func run(ctx context.Context, cfg *config.Config, mode domain.GenerationMode, logger *zap.Logger) error {
	// 0. Tracing
	shutdownTracing, err := initTracing(ctx, &cfg.Tracing, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// 1. Optional PostgreSQL mirror
	var (
		pool   *db.Pool
		repos  *repository.Repositories
		dbCheck httpapi.HealthChecker
	)
	if cfg.Database.Enabled() {
		logger.Info("Connecting to PostgreSQL...")
		p, err := db.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer p.Close()
		if err := p.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		pool, repos, dbCheck = p, repository.NewRepositories(p), p
		logger.Info("Connected to PostgreSQL")
	} else {
		logger.Info("Database not configured, history is kept in the JSONL file only")
	}

	// 2. Event fanout: RabbitMQ and the WebSocket hub
	fanout := events.NewFanoutPublisher(logger)
	defer fanout.Close()

	var subscriber events.Subscriber
	if cfg.RabbitMQ.URL != "" {
		logger.Info("Connecting to RabbitMQ...")
		publisher, err := events.NewRabbitMQPublisher(&cfg.RabbitMQ, logger)
		switch {
		case err != nil && cfg.Generation.Queue != "":
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		case err != nil:
			logger.Warn("Failed to connect to RabbitMQ, events will not be published", zap.Error(err))
		default:
			fanout.Add(publisher)
			logger.Info("Connected to RabbitMQ")
		}

		if cfg.Generation.Queue != "" {
			sub, err := events.NewRabbitMQSubscriber(&cfg.RabbitMQ, cfg.Generation.Queue, logger)
			if err != nil {
				return fmt.Errorf("failed to create RabbitMQ subscriber: %w", err)
			}
			defer sub.Close()
			subscriber = sub
		}
	} else {
		logger.Info("RabbitMQ not configured")
	}

	var hub *httpapi.Hub
	if cfg.HTTP.Port > 0 {
		hub = httpapi.NewHub(logger)
		fanout.Add(hub)
	}

	// 3. Metrics and benchmark
	registry := metrics.NewRegistry()

	bench, err := benchmark.FromConfig(&cfg.Evolver, logger)
	if err != nil {
		logger.Warn("Benchmark unavailable, using configured sharpe", zap.Error(err))
	}
	registry.BenchmarkSharpe.Set(bench.Sharpe())

	if cfg.Evolver.BenchmarkRefreshCron != "" {
		refresher, err := scheduler.NewBenchmarkRefresher(cfg.Evolver.BenchmarkRefreshCron, bench, logger)
		if err != nil {
			return fmt.Errorf("failed to schedule benchmark refresh: %w", err)
		}
		refresher.Start()
		defer refresher.Stop()
	}

	// 4. Pipeline stages
	executor, err := sandbox.New(&cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}
	defer executor.Close()

	norm := normalizer.New(normalizer.Options{
		MinSampleSize:  cfg.Evolver.MinSampleSize,
		PeriodsPerYear: cfg.Evolver.PeriodsPerYear,
	}, logger)

	validator, err := validation.New(validation.Config{
		DynamicThresholdMargin:   cfg.Evolver.DynamicThresholdMargin,
		SignificanceBaseAlpha:    cfg.Evolver.SignificanceBaseAlpha,
		SignificanceSharpeCutoff: cfg.Evolver.SignificanceSharpeCutoff,
		BootstrapResamples:       cfg.Evolver.BootstrapResamples,
		BootstrapMeanBlock:       cfg.Evolver.BootstrapMeanBlock,
		BootstrapSeed:            cfg.Evolver.BootstrapSeed,
		PeriodsPerYear:           cfg.Evolver.PeriodsPerYear,
	}, logger)
	if err != nil {
		return err
	}

	gen, err := generator.New(ctx, &cfg.Generation, fanout, subscriber, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generator: %w", err)
	}

	// 5. Orchestrator
	deps := orchestrator.Deps{
		Generator:  gen,
		Executor:   executor,
		Normalizer: norm,
		Validator:  validator,
		Benchmark:  bench,
		Publisher:  fanout,
		Metrics:    registry,
		Logger:     logger,
	}
	if repos != nil {
		deps.Mirror = repos.Iteration
		deps.Runs = repos.Run
	}
	orch, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg, mode), deps)
	if err != nil {
		return err
	}

	// 6. Status servers
	var healthServer *grpcapi.Server
	if cfg.GRPC.Port > 0 {
		healthServer = grpcapi.NewServer(orch, grpcapi.DefaultSyncInterval, logger)
		go func() {
			if err := healthServer.Start(fmt.Sprintf(":%d", cfg.GRPC.Port)); err != nil {
				logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	var server *httpapi.Server
	if cfg.HTTP.Port > 0 {
		server = httpapi.NewServer(httpapi.Options{
			Address:  fmt.Sprintf(":%d", cfg.HTTP.Port),
			Version:  Version,
			Run:      orch,
			Database: dbCheck,
			Repos:    repos,
			Metrics:  registry.Handler(),
			Hub:      hub,
		}, logger)

		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", zap.Error(err))
			}
		}()
	}

	logger.Info("Strategy evolver initialized",
		zap.String("sandbox_backend", cfg.Sandbox.Backend),
		zap.String("history_path", cfg.Evolver.HistoryPath),
		zap.Bool("database", pool != nil),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("grpc_port", cfg.GRPC.Port),
		zap.String("tracing", cfg.Tracing.Exporter),
	)

	summary, runErr := orch.Run(ctx)

	if healthServer != nil {
		healthServer.Stop()
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	if summary != nil {
		logger.Info("Run summary",
			zap.String("run_id", summary.RunID.String()),
			zap.String("stop_reason", string(summary.StopReason)),
			zap.Int("iterations_run", summary.IterationsRun),
			zap.Int("validated", summary.Validated),
			zap.String("summary_path", cfg.Evolver.SummaryPath),
		)
	}
	return runErr
}
