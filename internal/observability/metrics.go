package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides hooks for metrics collection
type MetricsCollector interface {
	IncPublished()
	IncPublishFailed()
	IncReceived()
	IncProcessed()
	IncFailed()
	IncRetried()
	IncSentToDLQ()
	IncDuplicate()
	IncEnqueued()
	AddRecovered(task string, n int)
	ObserveJob(eventType, result string, d time.Duration)
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Received      atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Retried       atomic.Int64
	SentToDLQ     atomic.Int64
	Duplicates    atomic.Int64
	Enqueued      atomic.Int64
	Recovered     atomic.Int64
	Jobs          atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncProcessed() {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncFailed() {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncDuplicate() {
	m.Duplicates.Add(1)
}

func (m *InMemoryMetrics) IncEnqueued() {
	m.Enqueued.Add(1)
}

func (m *InMemoryMetrics) AddRecovered(_ string, n int) {
	m.Recovered.Add(int64(n))
}

func (m *InMemoryMetrics) ObserveJob(_, _ string, _ time.Duration) {
	m.Jobs.Add(1)
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetPublishFailed() int64 {
	return m.PublishFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

func (m *InMemoryMetrics) GetRetried() int64 {
	return m.Retried.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetDuplicates() int64 {
	return m.Duplicates.Load()
}

func (m *InMemoryMetrics) GetEnqueued() int64 {
	return m.Enqueued.Load()
}

func (m *InMemoryMetrics) GetRecovered() int64 {
	return m.Recovered.Load()
}

// PrometheusMetrics exports the collector through the default registry.
type PrometheusMetrics struct {
	messages    *prometheus.CounterVec
	recovered   *prometheus.CounterVec
	jobLatency  *prometheus.HistogramVec
	publishes   *prometheus.CounterVec
	deadLetters prometheus.Counter
}

var prometheusSingleton = sync.OnceValue(func() *PrometheusMetrics {
	return &PrometheusMetrics{
		messages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "inbox",
			Name:      "messages_total",
			Help:      "Inbound messages by pipeline stage.",
		}, []string{"stage"}),
		recovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "inbox",
			Name:      "recovered_total",
			Help:      "Rows touched by recovery sweeps.",
		}, []string{"task"}),
		jobLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "inbox",
			Name:      "job_duration_seconds",
			Help:      "Business command execution latency.",
			Buckets: []float64{
				0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10,
			},
		}, []string{"event_type", "result"}),
		publishes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "log",
			Name:      "publish_total",
			Help:      "Publish calls by result.",
		}, []string{"result"}),
		deadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "log",
			Name:      "dead_letter_total",
			Help:      "Messages forwarded to a dead-letter topic.",
		}),
	}
})

// NewPrometheusMetrics returns the process-wide collector; collectors are
// registered once.
func NewPrometheusMetrics() *PrometheusMetrics {
	return prometheusSingleton()
}

func (m *PrometheusMetrics) IncPublished() {
	m.publishes.WithLabelValues("success").Inc()
}

func (m *PrometheusMetrics) IncPublishFailed() {
	m.publishes.WithLabelValues("failure").Inc()
}

func (m *PrometheusMetrics) IncReceived() {
	m.messages.WithLabelValues("received").Inc()
}

func (m *PrometheusMetrics) IncProcessed() {
	m.messages.WithLabelValues("processed").Inc()
}

func (m *PrometheusMetrics) IncFailed() {
	m.messages.WithLabelValues("failed").Inc()
}

func (m *PrometheusMetrics) IncRetried() {
	m.messages.WithLabelValues("retried").Inc()
}

func (m *PrometheusMetrics) IncSentToDLQ() {
	m.deadLetters.Inc()
}

func (m *PrometheusMetrics) IncDuplicate() {
	m.messages.WithLabelValues("duplicate").Inc()
}

func (m *PrometheusMetrics) IncEnqueued() {
	m.messages.WithLabelValues("enqueued").Inc()
}

func (m *PrometheusMetrics) AddRecovered(task string, n int) {
	if n <= 0 {
		return
	}
	m.recovered.WithLabelValues(task).Add(float64(n))
}

func (m *PrometheusMetrics) ObserveJob(eventType, result string, d time.Duration) {
	m.jobLatency.WithLabelValues(eventType, result).Observe(d.Seconds())
}
