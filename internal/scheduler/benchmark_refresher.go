// Package scheduler runs periodic background jobs for the evolver.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refreshable is reloaded on every tick of a schedule.
type Refreshable interface {
	Refresh() error
}

// BenchmarkRefresher reloads the benchmark on a cron schedule.
type BenchmarkRefresher struct {
	target Refreshable
	logger *zap.Logger

	cronParser cron.Parser
	cron       *cron.Cron
	entry      cron.EntryID

	mu       sync.Mutex
	runs     int
	failures int
	lastRun  time.Time
}

// NewBenchmarkRefresher parses spec (five-field cron or a descriptor such as "@hourly").
func NewBenchmarkRefresher(spec string, target Refreshable, logger *zap.Logger) (*BenchmarkRefresher, error) {
	r := &BenchmarkRefresher{
		target:     target,
		logger:     logger,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}

	schedule, err := r.cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression: %w", err)
	}

	r.cron = cron.New(
		cron.WithParser(r.cronParser),
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger})),
	)
	r.entry = r.cron.Schedule(schedule, cron.FuncJob(r.run))

	logger.Info("Benchmark refresher configured",
		zap.String("cron_expression", spec),
		zap.Time("next_run", schedule.Next(time.Now())),
	)
	return r, nil
}

// Start starts the cron loop in the background.
func (r *BenchmarkRefresher) Start() {
	r.logger.Info("Starting benchmark refresher")
	r.cron.Start()
}

// Stop stops the loop and waits for a running refresh to finish.
func (r *BenchmarkRefresher) Stop() {
	r.logger.Info("Stopping benchmark refresher")
	<-r.cron.Stop().Done()
	r.logger.Info("Benchmark refresher stopped")
}

// NextRun returns the next scheduled refresh.
func (r *BenchmarkRefresher) NextRun() time.Time {
	return r.cron.Entry(r.entry).Next
}

// Stats returns the number of runs and failed runs so far.
func (r *BenchmarkRefresher) Stats() (runs, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.failures
}

func (r *BenchmarkRefresher) run() {
	err := r.target.Refresh()

	r.mu.Lock()
	r.runs++
	r.lastRun = time.Now()
	if err != nil {
		r.failures++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Benchmark refresh failed", zap.Error(err))
		return
	}
	r.logger.Debug("Benchmark refreshed", zap.Time("next_run", r.NextRun()))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
