// Package metrics exposes Prometheus metrics for the rerank service.
//
// Metrics implements the observer interfaces of the reranker, artifact and
// retriever packages so those packages stay free of the Prometheus client.
//
// Metrics:
//   - rerank_backend_attempts_total{backend,outcome}
//   - rerank_backend_attempt_duration_seconds{backend}
//   - rerank_requests_total{outcome}
//   - rerank_request_duration_seconds{outcome}
//   - rerank_candidates
//   - rerank_artifact_builds_total{model,outcome}
//   - rerank_artifact_build_duration_seconds{model}
//   - rerank_retriever_lookups_total{outcome}
//   - rerank_retriever_evictions_total
//   - rerank_retriever_entries
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
)

const namespace = "rerank"

// Metrics holds the service collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Candidates      prometheus.Histogram

	BuildsTotal   *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec

	LookupsTotal     *prometheus.CounterVec
	EvictionsTotal   prometheus.Counter
	RetrieverEntries prometheus.Gauge
}

var (
	_ reranker.Observer       = (*Metrics)(nil)
	_ reranker.Recorder       = (*Metrics)(nil)
	_ artifact.BuildObserver  = (*Metrics)(nil)
	_ retriever.CacheObserver = (*Metrics)(nil)
)

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Scoring attempts per backend tier",
			},
			[]string{"backend", "outcome"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_attempt_duration_seconds",
				Help:      "Duration of scoring attempts per backend tier",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"backend"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Rerank requests by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of rerank requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Candidates: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "candidates",
				Help:      "Number of candidates per rerank request",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		BuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_builds_total",
				Help:      "Model artifact loads and exports by outcome",
			},
			[]string{"model", "outcome"},
		),
		BuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_build_duration_seconds",
				Help:      "Duration of model artifact loads and exports",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"model"},
		),

		LookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retriever_lookups_total",
				Help:      "Retriever cache lookups by outcome",
			},
			[]string{"outcome"}, // "hit", "miss" or "not_found"
		),
		EvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retriever_evictions_total",
				Help:      "Retriever cache entries evicted",
			},
		),
		RetrieverEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retriever_entries",
				Help:      "Current number of cached retrievers",
			},
		),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt records one backend attempt of the fallback chain.
func (m *Metrics) ObserveAttempt(backend, outcome string, elapsed time.Duration) {
	m.AttemptsTotal.WithLabelValues(backend, outcome).Inc()
	m.AttemptDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// ObserveRerank records a finished rerank request.
func (m *Metrics) ObserveRerank(outcome string, candidates int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	m.Candidates.Observe(float64(candidates))
}

// ObserveBuild records a model artifact load or export.
func (m *Metrics) ObserveBuild(model, outcome string, elapsed time.Duration) {
	m.BuildsTotal.WithLabelValues(model, outcome).Inc()
	m.BuildDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetrieverLookup(outcome string) {
	m.LookupsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetrieverEvictions(n int) {
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) SetRetrieverEntries(n int) {
	m.RetrieverEntries.Set(float64(n))
}
