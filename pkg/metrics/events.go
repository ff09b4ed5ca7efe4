package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookEventMetrics records processing outcomes for webhook events. The
// dead-letter counter is the alerting surface for exhausted retries.
type WebhookEventMetrics struct {
	duration     *prometheus.HistogramVec
	processed    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
}

// NewWebhookEventMetrics registers the event metrics on the provided registerer.
func NewWebhookEventMetrics(reg prometheus.Registerer) *WebhookEventMetrics {
	if reg == nil {
		return &WebhookEventMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_event_duration_seconds",
		Help:    "Duration of webhook event processing in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_event_processed",
		Help: "Webhook events processed successfully.",
	}, []string{"event_type"})
	retried := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_event_retried",
		Help: "Webhook events scheduled for another attempt.",
	}, []string{"event_type"})
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_event_dead_lettered",
		Help: "Webhook events moved to the dead-letter table.",
	}, []string{"event_type"})
	reg.MustRegister(duration, processed, retried, deadLettered)
	return &WebhookEventMetrics{
		duration:     duration,
		processed:    processed,
		retried:      retried,
		deadLettered: deadLettered,
	}
}

// ObserveDuration records how long one processing attempt took.
func (m *WebhookEventMetrics) ObserveDuration(eventType string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(eventType)).Observe(duration.Seconds())
}

// IncProcessed increments the processed counter for the event type.
func (m *WebhookEventMetrics) IncProcessed(eventType string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncRetried increments the retry counter for the event type.
func (m *WebhookEventMetrics) IncRetried(eventType string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncDeadLettered increments the dead-letter counter for the event type.
func (m *WebhookEventMetrics) IncDeadLettered(eventType string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(normalizeLabel(eventType)).Inc()
}
