package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskEvents       *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSWriteErrors    *prometheus.CounterVec
	ConnectedClients prometheus.Gauge
	QueuedEvents     prometheus.Gauge
	DroppedEvents    *prometheus.CounterVec
	VerifyLatency    prometheus.Histogram
	ProposalEvents   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Store retry attempts by operation.",
		}, []string{"operation"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by cause.",
		}, []string{"cause"}),
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of connected realtime listeners.",
		}),
		QueuedEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_events",
			Help:      "Events queued for disconnected listeners.",
		}),
		DroppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events dropped by reason (duplicate, debounced, queue_full).",
		}, []string{"reason"}),
		VerifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_latency_ms",
			Help:      "Verification runner latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		ProposalEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_events_total",
			Help:      "Proposal lifecycle events by type.",
		}, []string{"event"}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProposalEvent(event string) {
	if m == nil {
		return
	}
	m.ProposalEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveVerifyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.VerifyLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
