package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "tripload"

	MetricRowsLoaded     = "rows_loaded_total"
	MetricBatchesLoaded  = "batches_loaded_total"
	MetricAppendFailures = "append_failures_total"
	MetricAppendSeconds  = "append_duration_seconds"
	MetricRunSeconds     = "run_duration_seconds"
)

// Metrics records load progress per destination table. Each Metrics has its own registry.
type Metrics struct {
	registry       *prometheus.Registry
	rowsLoaded     *prometheus.CounterVec
	batchesLoaded  *prometheus.CounterVec
	appendFailures *prometheus.CounterVec
	appendSeconds  *prometheus.HistogramVec
	runSeconds     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rowsLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricRowsLoaded,
				Help:      "Rows committed to the destination table.",
			},
			[]string{"table"},
		),
		batchesLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricBatchesLoaded,
				Help:      "Batches committed to the destination table.",
			},
			[]string{"table"},
		),
		appendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricAppendFailures,
				Help:      "Batch appends that failed, including attempts that were retried.",
			},
			[]string{"table"},
		),
		appendSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      MetricAppendSeconds,
				Help:      "Wall-clock time of one committed batch append.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"table"},
		),
		runSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      MetricRunSeconds,
				Help:      "Wall-clock time of the last load run.",
			},
		),
	}
	m.registry.MustRegister(m.rowsLoaded, m.batchesLoaded, m.appendFailures, m.appendSeconds, m.runSeconds)
	return m
}

// Registry returns the registry holding every collector of m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBatch records one committed append.
func (m *Metrics) ObserveBatch(table string, rows int, took time.Duration) {
	m.rowsLoaded.WithLabelValues(table).Add(float64(rows))
	m.batchesLoaded.WithLabelValues(table).Inc()
	m.appendSeconds.WithLabelValues(table).Observe(took.Seconds())
}

func (m *Metrics) ObserveFailure(table string) {
	m.appendFailures.WithLabelValues(table).Inc()
}

func (m *Metrics) ObserveRun(took time.Duration) {
	m.runSeconds.Set(took.Seconds())
}

// Push sends every collector to a Prometheus Pushgateway, replacing the metrics of the same job.
func (m *Metrics) Push(ctx context.Context, url string, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("could not push metrics to %s: %w", url, err)
	}
	return nil
}
