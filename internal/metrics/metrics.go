package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ingest"

// Database query types
const (
	DBQueryTypeSelect = "select"
	DBQueryTypeInsert = "insert"
	DBQueryTypeUpdate = "update"
	DBQueryTypeDelete = "delete"
)

// Message operations
const (
	MessageOperationReceive    = "receive"
	MessageOperationComplete   = "complete"
	MessageOperationAbandon    = "abandon"
	MessageOperationDeadLetter = "dead_letter"
)

// Health components
const (
	ComponentDatabase = "database"
	ComponentCache    = "cache"
	ComponentSearch   = "search"
	ComponentQueue    = "queue"
)

// Metrics is the service's prometheus collector set. All methods are safe
// on a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed    *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	dbQueries          *prometheus.CounterVec
	dbQueryDuration    *prometheus.HistogramVec
	messages           *prometheus.CounterVec
	aggregateRequests  *prometheus.CounterVec
	health             *prometheus.GaugeVec

	startTime time.Time
}

// NewMetrics creates a collector set on its own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	m.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Raw events processed by outcome status and reason",
	}, []string{"status", "reason"})
	m.processingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_processing_duration_seconds",
		Help:      "Time spent processing a raw event",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	m.dbQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_queries_total",
		Help:      "Database queries by type and result",
	}, []string{"type", "result"})
	m.dbQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Database query latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"type"})
	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_messages_total",
		Help:      "Queue messages by operation and result",
	}, []string{"operation", "result"})
	m.aggregateRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregate_requests_total",
		Help:      "Aggregate queries by grouping mode",
	}, []string{"group_by"})
	m.health = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "component_up",
		Help:      "Whether a dependency answered its last health check (1) or not (0)",
	}, []string{"component"})

	m.registry.MustRegister(
		m.eventsProcessed,
		m.processingDuration,
		m.dbQueries,
		m.dbQueryDuration,
		m.messages,
		m.aggregateRequests,
		m.health,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordOutcome counts a processed event and observes its latency
func (m *Metrics) RecordOutcome(status, reason string, latency time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(status, reason).Inc()
	m.processingDuration.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordDatabaseQuery records metrics for a database query
func (m *Metrics) RecordDatabaseQuery(queryType string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.dbQueries.WithLabelValues(queryType, result(success)).Inc()
	m.dbQueryDuration.WithLabelValues(queryType).Observe(latency.Seconds())
}

// RecordMessage records a queue operation
func (m *Metrics) RecordMessage(operation string, success bool) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(operation, result(success)).Inc()
}

// RecordAggregateRequest counts an aggregate query
func (m *Metrics) RecordAggregateRequest(groupBy string) {
	if m == nil {
		return
	}
	m.aggregateRequests.WithLabelValues(groupBy).Inc()
}

// SetHealth records the health of a dependency
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.health.WithLabelValues(component).Set(value)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Uptime returns the time since the collector was created
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
