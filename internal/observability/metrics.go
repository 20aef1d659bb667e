package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zarr_forecast"

// Metrics holds the Prometheus counters, histograms and gauges for ingestion
// and the daily pipeline.
type Metrics struct {
	RegionsWritten      prometheus.Counter
	BytesWritten        prometheus.Counter
	RegionWriteDuration prometheus.Histogram
	WorkerFailures      prometheus.Counter
	SharedBufferBytes   prometheus.Gauge

	IngestRuns    *prometheus.CounterVec   // labels: outcome={success,failure}
	StageDuration *prometheus.HistogramVec // labels: stage={download,archive,decode,ingest,enqueue}
}

func newMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Metrics{
		RegionsWritten: counter("regions_written_total", "Total chunk-slice regions written to the store."),
		BytesWritten:   counter("bytes_written_total", "Total source bytes written to the store."),
		RegionWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_write_duration_seconds",
			Help:      "Duration of a single region write including chunk read-modify-write.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		WorkerFailures: counter("worker_failures_total", "Total ingest workers that returned an error."),
		SharedBufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shared_buffer_bytes",
			Help:      "Bytes currently held in shared read-only buffers.",
		}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingest calls by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each daily pipeline stage.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"stage"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegionsWritten,
		m.BytesWritten,
		m.RegionWriteDuration,
		m.WorkerFailures,
		m.SharedBufferBytes,
		m.IngestRuns,
		m.StageDuration,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered on a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
