// Package metrics exposes pipeline counters and queue gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/tariff-cli/internal/model"
)

const namespace = "tariff"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ingestions  *prometheus.CounterVec
	items       *prometheus.CounterVec
	extractions *prometheus.CounterVec
	llmChunks   *prometheus.CounterVec
	rates       *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobRetries  prometheus.Counter
	jobDuration prometheus.Histogram
	coverage    prometheus.Histogram

	queue         *prometheus.GaugeVec
	dlqDepth      prometheus.Gauge
	reviewBacklog prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ingestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Document ingestions by outcome.",
		}, []string{"status"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Validated line items by disposition.",
		}, []string{"status"}),
		extractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Text extractions by method.",
		}, []string{"method"}),
		llmChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_chunks_total",
			Help:      "LLM structuring chunks by outcome.",
		}, []string{"outcome"}),
		rates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_lookups_total",
			Help:      "Currency lookups by outcome.",
		}, []string{"outcome"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Ingestion jobs reaching a terminal status.",
		}, []string{"status"}),
		jobRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Ingestion jobs released back to pending for retry.",
		}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		coverage: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pattern_coverage_ratio",
			Help:      "Share of tariff-bearing lines the pattern matcher resolved.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		queue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs by status.",
		}, []string{"status"}),
		dlqDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Dead-lettered jobs not yet requeued.",
		}),
		reviewBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "review_backlog",
			Help:      "Tariff records waiting for review.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveIngestion records one finished ingestion.
func (m *Metrics) ObserveIngestion(res *model.IngestionResult) {
	if m == nil || res == nil {
		return
	}
	m.ingestions.WithLabelValues(string(res.Status)).Inc()
	if res.Status == model.IngestionSkipped {
		return
	}
	if res.Extraction != nil {
		m.extractions.WithLabelValues(string(res.Extraction.Method)).Inc()
	}
	if res.Extraction != nil && res.Extraction.Method != model.MethodFallbackManual {
		m.coverage.Observe(res.Coverage)
	}
	for _, it := range res.Items {
		m.items.WithLabelValues(string(it.Status)).Inc()
	}
}

// ObserveLLMChunks records structured and failed chunk counts.
func (m *Metrics) ObserveLLMChunks(ok, failed int) {
	if m == nil {
		return
	}
	m.llmChunks.WithLabelValues("ok").Add(float64(ok))
	m.llmChunks.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRate records a currency lookup outcome: ok, degraded or unavailable.
func (m *Metrics) ObserveRate(outcome string) {
	if m == nil {
		return
	}
	m.rates.WithLabelValues(outcome).Inc()
}

// ObserveJob records a job attempt. Terminal statuses count as finished; a
// pending status counts as a retry.
func (m *Metrics) ObserveJob(status model.JobStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.Observe(d.Seconds())
	if status == model.JobPending {
		m.jobRetries.Inc()
		return
	}
	m.jobs.WithLabelValues(string(status)).Inc()
}

// SetQueue publishes the queue snapshot gauges.
func (m *Metrics) SetQueue(counts model.JobCounts, dlq, review int) {
	if m == nil {
		return
	}
	for _, s := range []model.JobStatus{model.JobPending, model.JobInProgress, model.JobSucceeded, model.JobPartial, model.JobFailed} {
		m.queue.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	m.dlqDepth.Set(float64(dlq))
	m.reviewBacklog.Set(float64(review))
}
