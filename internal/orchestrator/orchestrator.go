// Package orchestrator drives the evolver loop: generate, execute, normalize, classify,
// validate, update the champion and diversity state, then append the iteration record.
//
// The Orchestrator is the only writer of the run state. Candidates of one batch run
// concurrently in the sandbox; their results are processed and persisted strictly in
// iteration order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saltfish/freqsearch/go-evolver/internal/champion"
	"github.com/saltfish/freqsearch/go-evolver/internal/classifier"
	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/diversity"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/events"
	"github.com/saltfish/freqsearch/go-evolver/internal/generator"
	"github.com/saltfish/freqsearch/go-evolver/internal/history"
	"github.com/saltfish/freqsearch/go-evolver/internal/metrics"
)

const (
	tracerName = "github.com/saltfish/freqsearch/go-evolver/orchestrator"

	// storeTimeout bounds one write to the mirror or the run table.
	storeTimeout = 5 * time.Second

	defaultGeneratorBackoff = time.Second
)

// slot is one iteration of a batch on its way to becoming a record.
type slot struct {
	iteration int
	candidate *domain.Candidate
	result    *domain.ExecutionResult
	fault     error
	stage     string

	metrics        domain.StrategyMetrics
	series         *domain.ReturnSeries
	extractErr     error
	classification domain.ClassificationResult
	validation     *domain.ValidationReport
}

// Orchestrator runs the evolver loop.
type Orchestrator struct {
	opts      Options
	deps      Deps
	tracer    trace.Tracer
	publisher events.Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger

	mu       sync.RWMutex
	runState State
	runID    uuid.UUID
	tracker  *champion.Tracker
	monitor  *diversity.Monitor
	summary  *history.Summary
	last     *domain.IterationRecord
	search   domain.SearchMode

	// compared is the number of validated comparisons already in the history.
	compared int
}

// New creates a new Orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Generator == nil:
		return nil, errors.New("orchestrator requires a generator")
	case deps.Executor == nil:
		return nil, errors.New("orchestrator requires an executor")
	case deps.Normalizer == nil:
		return nil, errors.New("orchestrator requires a normalizer")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator requires a validator")
	case deps.Benchmark == nil:
		return nil, errors.New("orchestrator requires a benchmark source")
	case opts.HistoryPath == "":
		return nil, errors.New("orchestrator requires a history path")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.GeneratorBackoff <= 0 {
		opts.GeneratorBackoff = defaultGeneratorBackoff
	}
	if opts.SignificanceFamily == "" {
		opts.SignificanceFamily = config.SignificanceFamilyBatch
	}

	o := &Orchestrator{
		opts:      opts,
		deps:      deps,
		tracer:    deps.Tracer,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		runState:  StateIdle,
		search:    domain.SearchModeExplore,
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.publisher == nil {
		o.publisher = events.NewNoOpPublisher()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.tracker = champion.New(o.trackerOptions())
	o.monitor = diversity.NewMonitor(opts.Diversity)
	return o, nil
}

func (o *Orchestrator) trackerOptions() champion.Options {
	return champion.Options{
		StalenessThreshold: o.opts.StalenessThreshold,
		HallOfFameSize:     o.opts.HallOfFameSize,
	}
}

// state returns the champion tracker and diversity monitor of the current run.
func (o *Orchestrator) state() (*champion.Tracker, *diversity.Monitor) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tracker, o.monitor
}

// Run executes iterations until max_iterations is reached, the generator is exhausted,
// ctx is cancelled or an orchestration error aborts the run. The summary is written in
// every case; the returned error is non-nil only when the run aborted.
func (o *Orchestrator) Run(ctx context.Context) (*history.Summary, error) {
	records, err := o.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	start := history.NextIteration(records)

	writer, err := history.Open(o.opts.HistoryPath, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer writer.Close()

	if err := o.restoreHistory(writer, records); err != nil {
		return nil, err
	}

	tracker := champion.Replay(o.trackerOptions(), records)
	monitor := diversity.NewMonitor(o.opts.Diversity)
	compared := 0
	for i := range records {
		monitor.Add(records[i])
		if records[i].Validation != nil {
			compared++
		}
	}

	runID := uuid.New()
	summary := history.NewSummary(runID, o.opts.GenerationMode, start, o.opts.MaxIterations)

	o.mu.Lock()
	o.runID = runID
	o.runState = StateRunning
	o.tracker = tracker
	o.monitor = monitor
	o.summary = summary
	o.compared = compared
	if len(records) > 0 {
		last := records[len(records)-1]
		o.last = &last
	}
	o.mu.Unlock()

	logger := o.logger.With(zap.String("run_id", runID.String()))
	logger.Info("Starting evolver run",
		zap.Int("start_iteration", start),
		zap.Int("max_iterations", o.opts.MaxIterations),
		zap.Int("replayed_records", len(records)),
		zap.String("generation_mode", o.opts.GenerationMode.String()),
		zap.Int("max_concurrent", o.opts.MaxConcurrent),
	)

	if err := o.publisher.PublishRunStarted(summary); err != nil {
		logger.Warn("Failed to publish run started event", zap.Error(err))
	}
	o.storeRun(ctx, summary, true)

	reason, runErr := o.loop(ctx, writer, start, logger)

	o.finalize(reason, runErr)
	if o.opts.SummaryPath != "" {
		if err := history.WriteSummary(o.opts.SummaryPath, summary); err != nil {
			logger.Error("Failed to write run summary", zap.Error(err))
			if runErr == nil {
				runErr = fmt.Errorf("failed to write summary: %w", err)
			}
		}
	}
	o.storeRun(ctx, summary, false)
	if err := o.publisher.PublishRunCompleted(summary); err != nil {
		logger.Warn("Failed to publish run completed event", zap.Error(err))
	}

	logger.Info("Evolver run finished",
		zap.String("stop_reason", string(summary.StopReason)),
		zap.Int("iterations_run", summary.IterationsRun),
		zap.Int("validated", summary.Validated),
		zap.Int("next_iteration", summary.NextIteration),
	)
	return summary, runErr
}

// loadHistory reads the history file, falling back to the database mirror when the file
// holds no records.
func (o *Orchestrator) loadHistory(ctx context.Context) ([]domain.IterationRecord, error) {
	records, err := history.ReadAll(o.opts.HistoryPath, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(records) > 0 || o.deps.Mirror == nil {
		return records, nil
	}

	records, err = o.deps.Mirror.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read history from database: %w", err)
	}
	if len(records) > 0 {
		o.logger.Info("History file empty, resuming from database mirror",
			zap.Int("records", len(records)),
		)
	}
	return records, nil
}

// restoreHistory writes mirror records back to an empty history file. It is a no-op when the
// records came from the file itself.
func (o *Orchestrator) restoreHistory(w *history.Writer, records []domain.IterationRecord) error {
	if len(records) == 0 || o.deps.Mirror == nil {
		return nil
	}
	onDisk, err := history.ReadAll(w.Path(), o.logger)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(onDisk) > 0 {
		return nil
	}
	for i := range records {
		if err := w.Append(&records[i]); err != nil {
			return fmt.Errorf("failed to restore history: %w", err)
		}
	}
	return nil
}

// loop runs batches until a stop condition. Cancellation is only honoured between batches;
// an in-flight batch always completes and is recorded.
func (o *Orchestrator) loop(ctx context.Context, w *history.Writer, start int, logger *zap.Logger) (domain.StopReason, error) {
	next := start
	for next < o.opts.MaxIterations {
		if ctx.Err() != nil {
			logger.Info("Run interrupted", zap.Int("next_iteration", next))
			return domain.StopReasonInterrupted, nil
		}

		size := min(o.opts.MaxConcurrent, o.opts.MaxIterations-next)
		slots, stop, genErr := o.generateBatch(ctx, next, size)

		o.executeBatch(ctx, slots)
		o.processBatch(ctx, slots)

		abort := genErr
		for _, s := range slots {
			if err := o.commit(ctx, w, s); err != nil {
				return domain.StopReasonError, err
			}
			if s.fault != nil && !o.opts.ContinueOnError && abort == nil {
				abort = domain.NewOrchestrationError(s.iteration, s.stage, s.fault)
			}
		}
		next += len(slots)

		if abort != nil {
			return domain.StopReasonError, abort
		}
		switch stop {
		case stopExhausted:
			logger.Info("Generator exhausted", zap.Int("next_iteration", next))
			return domain.StopReasonCompleted, nil
		case stopInterrupted:
			logger.Info("Run interrupted", zap.Int("next_iteration", next))
			return domain.StopReasonInterrupted, nil
		}
	}
	return domain.StopReasonCompleted, nil
}

type batchStop int

const (
	stopNone batchStop = iota
	stopExhausted
	stopInterrupted
)

// generateBatch requests up to size candidates in turn. A generator fault becomes a
// faulted slot with continue_on_error and otherwise ends the batch with an error; the
// slots generated before it are still returned. An unavailable generator is retried after
// a back-off without consuming the iteration number.
func (o *Orchestrator) generateBatch(ctx context.Context, next, size int) ([]*slot, batchStop, error) {
	slots := make([]*slot, 0, size)
	for len(slots) < size {
		iteration := next + len(slots)
		candidate, err := o.generate(ctx, iteration)
		switch {
		case err == nil:
			slots = append(slots, &slot{iteration: iteration, candidate: candidate})
		case errors.Is(err, generator.ErrExhausted):
			return slots, stopExhausted, nil
		case ctx.Err() != nil:
			return slots, stopInterrupted, nil
		case errors.Is(err, generator.ErrUnavailable):
			o.logger.Warn("Generator unavailable, backing off",
				zap.Int("iteration", iteration),
				zap.Duration("backoff", o.opts.GeneratorBackoff),
				zap.Error(err),
			)
			if !sleepCtx(ctx, o.opts.GeneratorBackoff) {
				return slots, stopInterrupted, nil
			}
		case o.opts.ContinueOnError:
			slots = append(slots, &slot{iteration: iteration, fault: err, stage: "generate"})
		default:
			return slots, stopNone, domain.NewOrchestrationError(iteration, "generate", err)
		}
	}
	return slots, stopNone, nil
}

// sleepCtx waits for d and reports false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) generate(ctx context.Context, iteration int) (candidate *domain.Candidate, err error) {
	fb := o.feedback(iteration)

	ctx, span := o.tracer.Start(ctx, "iteration.generate", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.String("search_mode", fb.Search.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			candidate, err = nil, fmt.Errorf("panic in generator: %v", r)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	candidate, err = o.deps.Generator.Generate(ctx, fb)
	if err == nil && candidate == nil {
		err = errors.New("generator returned no candidate")
	}
	if candidate != nil {
		span.SetAttributes(attribute.String("candidate_id", candidate.ID.String()))
	}
	return candidate, err
}

// executeBatch runs the candidates of a batch concurrently. Sandboxes are detached from
// ctx so an interrupt lets them finish; each is bounded by the candidate timeout.
func (o *Orchestrator) executeBatch(ctx context.Context, slots []*slot) {
	execCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrent)
	for _, s := range slots {
		if s.fault != nil {
			continue
		}
		g.Go(func() error {
			o.execute(execCtx, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, s *slot) {
	ctx, span := o.tracer.Start(ctx, "iteration.execute", trace.WithAttributes(
		attribute.Int("iteration", s.iteration),
		attribute.String("candidate_id", s.candidate.ID.String()),
	))
	defer span.End()

	done := o.metrics.TrackSandbox()
	defer done()

	defer func() {
		if r := recover(); r != nil {
			s.result = nil
			s.fault = fmt.Errorf("panic in executor: %v", r)
			s.stage = "execute"
			span.SetStatus(codes.Error, s.fault.Error())
		}
	}()

	res := o.deps.Executor.Execute(ctx, s.candidate, o.opts.Timeout)
	if res == nil {
		s.fault = errors.New("executor returned no result")
		s.stage = "execute"
		span.SetStatus(codes.Error, s.fault.Error())
		return
	}
	s.result = res
	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.String("error_kind", res.ErrorKind.String()),
	)
}

// processBatch normalizes, classifies and validates the executed slots in iteration order.
func (o *Orchestrator) processBatch(ctx context.Context, slots []*slot) {
	for _, s := range slots {
		if s.fault != nil {
			continue
		}
		if err := safely(func() {
			s.metrics, s.series, s.extractErr = o.deps.Normalizer.Normalize(s.result)
		}); err != nil {
			s.fault, s.stage = err, "normalize"
			continue
		}
		if err := safely(func() {
			s.classification = classifier.Classify(s.result, &s.metrics)
		}); err != nil {
			s.fault, s.stage = err, "classify"
		}
	}
	o.validateBatch(ctx, slots)
}

// validateBatch validates every slot whose level requires it. All of them count as
// comparisons for the Bonferroni correction, whether or not they have a return series.
// With the run family, comparisons already recorded in the history count as well.
func (o *Orchestrator) validateBatch(ctx context.Context, slots []*slot) {
	var pending []*slot
	for _, s := range slots {
		if s.fault == nil && s.classification.Level.RequiresValidation() {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return
	}

	comparisons := len(pending)
	if o.opts.SignificanceFamily == config.SignificanceFamilyRun {
		o.mu.RLock()
		comparisons += o.compared
		o.mu.RUnlock()
	}

	ctx, span := o.tracer.Start(ctx, "batch.validate", trace.WithAttributes(
		attribute.Int("candidates", len(pending)),
		attribute.Int("comparisons", comparisons),
		attribute.String("family", o.opts.SignificanceFamily),
	))
	defer span.End()

	benchmark := o.deps.Benchmark.Sharpe()
	o.metrics.BenchmarkSharpe.Set(benchmark)

	var withSeries []*slot
	var batch []domain.ReturnSeries
	for _, s := range pending {
		if s.series != nil {
			withSeries = append(withSeries, s)
			batch = append(batch, *s.series)
			continue
		}
		report, err := o.deps.Validator.NoSeriesReport(benchmark, comparisons, s.extractErr)
		if err != nil {
			s.fault, s.stage = err, "validate"
			continue
		}
		s.validation = report
	}

	var reports []*domain.ValidationReport
	var err error
	if perr := safely(func() {
		reports, err = o.deps.Validator.ValidateBatch(context.WithoutCancel(ctx), batch, benchmark, comparisons)
	}); perr != nil {
		err = perr
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		for _, s := range withSeries {
			s.fault, s.stage = err, "validate"
		}
		return
	}
	for i, s := range withSeries {
		s.validation = reports[i]
	}
}

// safely runs fn and converts a panic into an error.
func safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// record builds the persisted record of a slot.
func (o *Orchestrator) record(s *slot) *domain.IterationRecord {
	o.mu.RLock()
	runID := o.runID
	o.mu.RUnlock()

	rec := &domain.IterationRecord{
		RunID:        runID,
		IterationNum: s.iteration,
		Timestamp:    time.Now().UTC(),
	}
	if s.candidate != nil {
		rec.Candidate = s.candidate.Ref()
		rec.Candidate.Features = diversity.Features(s.candidate.Factors, s.candidate.Code)
	} else {
		rec.Candidate = domain.CandidateRef{
			ID:     uuid.New(),
			Name:   fmt.Sprintf("generation-fault-%d", s.iteration),
			Origin: o.opts.GenerationMode,
		}
	}

	if s.fault != nil {
		var elapsed time.Duration
		if s.result != nil {
			elapsed = s.result.ExecutionTime
		}
		rec.Execution = *domain.NewFailedExecution(rec.Candidate.ID, domain.ErrorKindOrchestration,
			s.stage+": "+s.fault.Error(), elapsed)
		rec.Metrics = domain.StrategyMetrics{Source: domain.MetricsSourceNone}
		rec.Classification = domain.ClassificationResult{
			Level:  domain.LevelFailed,
			Reason: "orchestration error in " + s.stage,
		}
		rec.Reason = rec.Execution.ErrorMessage
		return rec
	}

	rec.Execution = *s.result
	rec.Metrics = s.metrics
	rec.Classification = s.classification
	rec.Validation = s.validation
	rec.Reason = s.classification.Reason
	if s.extractErr != nil && s.result.Success {
		rec.Reason += "; " + s.extractErr.Error()
	}
	if s.validation != nil {
		rec.Reason += "; " + s.validation.Reason
	}
	return rec
}

// commit persists one slot and folds it into the run state.
func (o *Orchestrator) commit(ctx context.Context, w *history.Writer, s *slot) error {
	rec := o.record(s)
	if err := rec.CheckInvariant(); err != nil {
		return domain.NewOrchestrationError(s.iteration, "record", err)
	}
	if err := w.Append(rec); err != nil {
		return domain.NewOrchestrationError(s.iteration, "persist", err)
	}
	o.mirror(ctx, rec)

	tracker, monitor := o.state()
	updated := tracker.Observe(rec)
	report, scored := monitor.Add(*rec)

	o.mu.Lock()
	o.summary.Count(rec)
	o.last = rec
	if rec.Validation != nil {
		o.compared++
	}
	runID := o.runID
	o.mu.Unlock()

	o.metrics.RecordIteration(rec)
	sharpe, _ := rec.Sharpe()
	o.metrics.RecordChampion(sharpe, updated, tracker.IterationsSinceUpdate())

	fields := []zap.Field{
		zap.Int("iteration", rec.IterationNum),
		zap.String("candidate_id", rec.Candidate.ID.String()),
		zap.String("level", rec.Classification.Level.String()),
		zap.Bool("validated", rec.Validated()),
	}
	if rec.Execution.ErrorKind != domain.ErrorKindNone {
		fields = append(fields, zap.String("error_kind", rec.Execution.ErrorKind.String()))
	}
	if s.fault != nil {
		o.logger.Error("Orchestration fault",
			zap.Int("iteration", rec.IterationNum),
			zap.String("stage", s.stage),
			zap.Error(s.fault),
		)
	}
	o.logger.Info("Iteration recorded", fields...)

	if err := o.publisher.PublishIterationCompleted(rec); err != nil {
		o.logger.Warn("Failed to publish iteration event", zap.Int("iteration", rec.IterationNum), zap.Error(err))
	}

	if updated {
		lineage := tracker.Lineage()
		entry := lineage[len(lineage)-1]
		o.logger.Info("New champion",
			zap.Int("iteration", rec.IterationNum),
			zap.String("candidate_id", rec.Candidate.ID.String()),
			zap.Float64("sharpe", sharpe),
		)
		if err := o.publisher.PublishChampionUpdated(runID, entry); err != nil {
			o.logger.Warn("Failed to publish champion event", zap.Error(err))
		}
	}

	if scored && report.Scored {
		o.metrics.RecordDiversity(report.Score, report.Collapsed)
		if report.Collapsed {
			o.logger.Warn("Diversity collapse",
				zap.Int("generation", report.Generation),
				zap.Float64("score", report.Score),
				zap.Int("consecutive_low", report.ConsecutiveLow),
			)
			if err := o.publisher.PublishDiversityCollapse(runID, report.Generation, report.Score, report.ConsecutiveLow); err != nil {
				o.logger.Warn("Failed to publish diversity event", zap.Error(err))
			}
		}
	}

	return nil
}

// mirror copies a record to the database. Failures are logged; the file stays authoritative.
func (o *Orchestrator) mirror(ctx context.Context, rec *domain.IterationRecord) {
	if o.deps.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := o.deps.Mirror.Create(ctx, rec); err != nil {
		o.logger.Warn("Failed to mirror iteration record",
			zap.Int("iteration", rec.IterationNum),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) storeRun(ctx context.Context, s *history.Summary, starting bool) {
	if o.deps.Runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	var err error
	if starting {
		err = o.deps.Runs.Start(ctx, s)
	} else {
		err = o.deps.Runs.Finish(ctx, s)
	}
	if err != nil {
		o.logger.Warn("Failed to store run", zap.Bool("starting", starting), zap.Error(err))
	}
}

// finalize fills the summary from the final run state.
func (o *Orchestrator) finalize(reason domain.StopReason, runErr error) {
	tracker, monitor := o.state()

	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.summary
	if champ, ok := tracker.Current(); ok {
		s.Champion = &champ
	}
	s.Lineage = tracker.Lineage()
	s.HallOfFame = nil
	for _, rec := range tracker.HallOfFame() {
		s.HallOfFame = append(s.HallOfFame, rec.Candidate)
	}
	if r, ok := monitor.Last(); ok && r.Scored {
		s.DiversityScore = domain.Float(r.Score)
	}
	s.DiversityCollapsed = monitor.Collapsed()
	s.StopReason = reason
	if runErr != nil {
		s.Error = runErr.Error()
	}
	s.FinishedAt = time.Now().UTC()
	o.runState = StateStopped
}
