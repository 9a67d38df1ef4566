// Package metrics defines the Prometheus metrics of the evolver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

const namespace = "evolver"

// Registry holds all evolver metrics on a dedicated Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	Iterations        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Validations       *prometheus.CounterVec
	PValues           prometheus.Histogram
	ChampionSharpe    prometheus.Gauge
	ChampionUpdates   prometheus.Counter
	StaleIterations   prometheus.Gauge
	DiversityScore    prometheus.Gauge
	DiversityCollapse prometheus.Gauge
	SandboxesInFlight prometheus.Gauge
	BenchmarkSharpe   prometheus.Gauge
	SearchMode        *prometheus.GaugeVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Recorded iterations by success level and error kind",
		}, []string{"level", "error_kind"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution time by outcome",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Statistical validations by result",
		}, []string{"result"}),

		PValues: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_p_value",
			Help:      "Bootstrap p-values of validated candidates",
			Buckets:   []float64{0.0001, 0.001, 0.0025, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ChampionSharpe: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "champion_sharpe",
			Help:      "Sharpe ratio of the current champion",
		}),

		ChampionUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "champion_updates_total",
			Help:      "Number of champion replacements",
		}),

		StaleIterations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "champion_iterations_since_update",
			Help:      "Iterations since the champion last improved",
		}),

		DiversityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diversity_score",
			Help:      "Diversity score of the last complete generation (0.0 to 1.0)",
		}),

		DiversityCollapse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diversity_collapsed",
			Help:      "1 while the population is flagged as collapsed",
		}),

		SandboxesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_in_flight",
			Help:      "Number of candidates currently executing",
		}),

		BenchmarkSharpe: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "benchmark_sharpe",
			Help:      "Benchmark sharpe used by the dynamic threshold test",
		}),

		SearchMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_mode",
			Help:      "1 for the active search mode",
		}, []string{"mode"}),
	}

	r.registry.MustRegister(
		r.Iterations,
		r.ExecutionDuration,
		r.Validations,
		r.PValues,
		r.ChampionSharpe,
		r.ChampionUpdates,
		r.StaleIterations,
		r.DiversityScore,
		r.DiversityCollapse,
		r.SandboxesInFlight,
		r.BenchmarkSharpe,
		r.SearchMode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordIteration records one persisted iteration record.
func (r *Registry) RecordIteration(rec *domain.IterationRecord) {
	r.Iterations.WithLabelValues(rec.Classification.Level.String(), rec.Execution.ErrorKind.String()).Inc()

	outcome := "success"
	if !rec.Execution.Success {
		outcome = string(rec.Execution.ErrorKind)
	}
	if rec.Execution.ErrorKind != domain.ErrorKindOrchestration {
		r.ExecutionDuration.WithLabelValues(outcome).Observe(rec.Execution.ExecutionTime.Seconds())
	}

	if rec.Validation != nil {
		result := "rejected"
		if rec.Validation.Passed {
			result = "passed"
		}
		r.Validations.WithLabelValues(result).Inc()
		r.PValues.Observe(rec.Validation.PValue)
	}
}

// RecordChampion records the champion state after an iteration.
func (r *Registry) RecordChampion(sharpe float64, updated bool, sinceUpdate int) {
	if updated {
		r.ChampionUpdates.Inc()
		r.ChampionSharpe.Set(sharpe)
	}
	r.StaleIterations.Set(float64(sinceUpdate))
}

// RecordDiversity records a scored generation.
func (r *Registry) RecordDiversity(score float64, collapsed bool) {
	r.DiversityScore.Set(score)
	if collapsed {
		r.DiversityCollapse.Set(1)
	} else {
		r.DiversityCollapse.Set(0)
	}
}

// RecordSearchMode marks mode as active.
func (r *Registry) RecordSearchMode(mode domain.SearchMode) {
	for _, m := range []domain.SearchMode{domain.SearchModeExploit, domain.SearchModeExplore} {
		v := 0.0
		if m == mode {
			v = 1
		}
		r.SearchMode.WithLabelValues(string(m)).Set(v)
	}
}

// TrackSandbox increments the in-flight gauge and returns a func that decrements it.
func (r *Registry) TrackSandbox() func() {
	r.SandboxesInFlight.Inc()
	return r.SandboxesInFlight.Dec
}
