package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "threshold_calibration"

// Metrics holds the Prometheus counters, histograms, and gauges for the calibration manager.
type Metrics struct {
	TriggersConsumed prometheus.Counter
	TriggerErrors    prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Generation processing metrics.
	GenerationsProcessed *prometheus.CounterVec // labels: reason={complete,largest_lead,forced,archive_drain}
	GenerationDuration   prometheus.Histogram
	GenerationsInFlight  prometheus.Gauge

	// Per-lead task metrics.
	LeadTasks   *prometheus.CounterVec // labels: outcome={success,skipped,error}
	TileResults *prometheus.CounterVec // labels: source={computed,below,mother,coldstart}

	DatabaseFlushes prometheus.Counter
}

// NewMetrics creates and registers all calibration metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		TriggersConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_consumed_total",
			Help:      "Total pbar triggers read from the trigger source.",
		}),
		TriggerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_errors_total",
			Help:      "Total triggers that could not be decoded or handled.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the manager is active, 0 when shut down.",
		}),
		GenerationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_processed_total",
			Help:      "Generation times calibrated, by readiness reason.",
		}, []string{"reason"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of calibrating every lead of one generation time.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		GenerationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_in_flight",
			Help:      "Generation times tracked but not yet ready.",
		}),
		LeadTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_tasks_total",
			Help:      "Per-lead calibration tasks by outcome.",
		}, []string{"outcome"}),
		TileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_results_total",
			Help:      "Tile thresholds written, by how they were obtained.",
		}, []string{"source"}),
		DatabaseFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_flushes_total",
			Help:      "Threshold tables written to the database.",
		}),
	}

	prometheus.MustRegister(
		m.TriggersConsumed,
		m.TriggerErrors,
		m.PipelineRunning,
		m.GenerationsProcessed,
		m.GenerationDuration,
		m.GenerationsInFlight,
		m.LeadTasks,
		m.TileResults,
		m.DatabaseFlushes,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		TriggersConsumed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "triggers_consumed_total"}),
		TriggerErrors:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trigger_errors_total"}),
		PipelineRunning:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_running"}),
		GenerationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "generations_processed_total"}, []string{"reason"}),
		GenerationDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "generation_duration_seconds"}),
		GenerationsInFlight:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "generations_in_flight"}),
		LeadTasks:            prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "lead_tasks_total"}, []string{"outcome"}),
		TileResults:          prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "tile_results_total"}, []string{"source"}),
		DatabaseFlushes:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "database_flushes_total"}),
	}
}
