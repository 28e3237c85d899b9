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
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	StreamTerminal   *prometheus.CounterVec
	StreamSteps      prometheus.Counter
	FanOutDeliveries prometheus.Counter
	FirstStepLatency prometheus.Histogram
	ProviderErrors   *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound surface messages by type and queue result.",
		}, []string{"type", "result"}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of in-flight assistant text streams.",
		}),
		StreamTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminal_total",
			Help:      "Finished streams by terminal state.",
		}, []string{"state", "mode"}),
		StreamSteps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_steps_total",
			Help:      "Cumulative text steps published to stream hubs.",
		}),
		FanOutDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fanout_deliveries_total",
			Help:      "Updates delivered to stream subscribers.",
		}),
		FirstStepLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_step_latency_ms",
			Help:      "Latency from turn start to the first published step in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Brain adapter errors by provider.",
		}, []string{"provider"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstStep(d time.Duration) {
	m.FirstStepLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstStep, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnTotal(d time.Duration) {
	m.stages.Observe(StageTurnTotal, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveFanOut(delivered int, d time.Duration) {
	m.FanOutDeliveries.Add(float64(delivered))
	m.stages.Observe(StageFanOutDelay, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTerminal(state, mode string) {
	m.StreamTerminal.WithLabelValues(state, mode).Inc()
	m.stages.ObserveIndicator("terminal_" + state)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
