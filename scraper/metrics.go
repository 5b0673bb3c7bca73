package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the ingestion run.
type Metrics struct {
	Registry         *prometheus.Registry
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	RetriesTotal     *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	CacheTotal       *prometheus.CounterVec
	RecordsExtracted *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	ReferencesTotal  *prometheus.CounterVec
	BatchesTotal     *prometheus.CounterVec
	RecordsWritten   *prometheus.CounterVec
	SourcesTotal     *prometheus.CounterVec
	ActiveSources    prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total HTTP requests issued, by phase.",
		}, []string{"phase"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Page fetch retries, by reason.",
		}, []string{"reason"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Fetch errors by type.",
		}, []string{"error_type"}),
		CacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cache_lookups_total",
			Help: "Response cache lookups, by result.",
		}, []string{"result"}),
		RecordsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_extracted_total",
			Help: "Candidate records extracted from pages.",
		}, []string{"kind"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_skipped_total",
			Help: "Malformed units skipped during extraction.",
		}, []string{"kind"}),
		ReferencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_references_total",
			Help: "Reference resolutions, by result (resolved, unresolved, ambiguous, invalid).",
		}, []string{"result"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Upsert batches, by entity and result.",
		}, []string{"entity", "result"}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_written_total",
			Help: "Records committed to storage, by entity.",
		}, []string{"entity"}),
		SourcesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sources_total",
			Help: "Sources crawled, by completion status.",
		}, []string{"status"}),
		ActiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_sources",
			Help: "Sources currently being crawled.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RetriesTotal, m.ErrorsTotal, m.CacheTotal,
		m.RecordsExtracted, m.RecordsSkipped, m.ReferencesTotal, m.BatchesTotal,
		m.RecordsWritten, m.SourcesTotal, m.ActiveSources,
	)
	return m
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetry increments the retries counter for a reason label.
func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// IncError increments the errors counter for the error's type label.
func (m *Metrics) IncError(err error) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorTypeLabel(err)).Inc()
}

// IncCache records a cache hit or miss.
func (m *Metrics) IncCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheTotal.WithLabelValues(result).Inc()
}

// AddExtracted records extracted and skipped units for a payload kind.
func (m *Metrics) AddExtracted(kind string, extracted, skipped int) {
	if m == nil {
		return
	}
	m.RecordsExtracted.WithLabelValues(kind).Add(float64(extracted))
	m.RecordsSkipped.WithLabelValues(kind).Add(float64(skipped))
}

// IncReference records one reference resolution outcome.
func (m *Metrics) IncReference(result string) {
	if m == nil {
		return
	}
	m.ReferencesTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records one batch commit or rollback.
func (m *Metrics) ObserveBatch(entity string, written int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BatchesTotal.WithLabelValues(entity, "rolled_back").Inc()
		return
	}
	m.BatchesTotal.WithLabelValues(entity, "committed").Inc()
	m.RecordsWritten.WithLabelValues(entity).Add(float64(written))
}

// SourceStarted and SourceDone track in-flight sources.
func (m *Metrics) SourceStarted() {
	if m == nil {
		return
	}
	m.ActiveSources.Inc()
}

func (m *Metrics) SourceDone(status string) {
	if m == nil {
		return
	}
	m.ActiveSources.Dec()
	m.SourcesTotal.WithLabelValues(status).Inc()
}
