// Package metrics provides Prometheus metrics for the ingestion and query pipelines.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有所有指标。每个实例使用自己的 Registry，测试中可以重复创建。
// nil *Metrics 上的所有 Record 方法都是空操作。
type Metrics struct {
	Registry *prometheus.Registry

	IngestTotal    *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	IngestChunks   prometheus.Counter

	QueryTotal    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	WebFallbacks  *prometheus.CounterVec

	IndexVectors *prometheus.GaugeVec
	Documents    prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{Registry: reg}

	// 入库
	m.IngestTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfrag_ingest_total",
			Help: "Total number of document ingestions by outcome",
		},
		[]string{"outcome"},
	)
	m.IngestDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdfrag_ingest_duration_seconds",
			Help:    "Duration of document ingestion in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	m.IngestChunks = f.NewCounter(
		prometheus.CounterOpts{
			Name: "pdfrag_ingest_chunks_total",
			Help: "Total number of chunks indexed",
		},
	)

	// 查询
	m.QueryTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfrag_query_total",
			Help: "Total number of queries by kind, outcome and final stage. stage=\"validation\" covers request checks and the document lookup that precedes embedding",
		},
		[]string{"kind", "outcome", "stage"},
	)
	m.StageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdfrag_query_stage_duration_seconds",
			Help:    "Duration of query pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	m.WebFallbacks = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfrag_web_search_fallbacks_total",
			Help: "Number of queries that fell back to document-only context",
		},
		[]string{"reason"},
	)

	// 索引
	m.IndexVectors = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdfrag_index_vectors",
			Help: "Number of vectors in the index by state",
		},
		[]string{"state"},
	)
	m.Documents = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdfrag_documents",
			Help: "Number of registered documents",
		},
	)
	return m
}

// Handler 返回 /metrics 使用的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordIngest records an ingestion with its outcome.
func (m *Metrics) RecordIngest(outcome string, chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(d.Seconds())
	if chunks > 0 {
		m.IngestChunks.Add(float64(chunks))
	}
}

// RecordQuery records the outcome of a query or summary and the last stage it reached.
func (m *Metrics) RecordQuery(kind, outcome, stage string) {
	if m == nil {
		return
	}
	m.QueryTotal.WithLabelValues(kind, outcome, stage).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordWebFallback counts a web search degradation.
func (m *Metrics) RecordWebFallback(reason string) {
	if m == nil {
		return
	}
	m.WebFallbacks.WithLabelValues(reason).Inc()
}

// UpdateIndexStats updates index and registry gauges.
func (m *Metrics) UpdateIndexStats(live, tombstones, documents int) {
	if m == nil {
		return
	}
	m.IndexVectors.WithLabelValues("live").Set(float64(live))
	m.IndexVectors.WithLabelValues("tombstone").Set(float64(tombstones))
	m.Documents.Set(float64(documents))
}
