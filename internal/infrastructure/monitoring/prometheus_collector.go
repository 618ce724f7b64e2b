package monitoring

import (
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.SyncMetrics.
type PrometheusCollector struct {
	// Counters
	messagesSent         *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	messagesDropped      *prometheus.CounterVec
	serializationFailure *prometheus.CounterVec
	syncTransitions      *prometheus.CounterVec
	entitiesCreated      *prometheus.CounterVec
	entitiesClosed       *prometheus.CounterVec

	// Gauges
	queueDepth     prometheus.Gauge
	entitiesLive   *prometheus.GaugeVec
	frontendAttach prometheus.Gauge

	// Histograms
	applyDuration prometheus.Histogram
}

// NewPrometheusCollector registers every metric with reg. A nil reg means
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_bus_messages_sent_total",
			Help: "Messages written to the transport",
		}, []string{"type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_bus_messages_received_total",
			Help: "Messages read from the transport",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_bus_messages_dropped_total",
			Help: "Outbound messages discarded before delivery",
		}, []string{"reason"}),

		serializationFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_bus_serialization_failures_total",
			Help: "Values that could not be encoded or decoded",
		}, []string{"direction"}),

		syncTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_sync_state_transitions_total",
			Help: "Entity sync state transitions",
		}, []string{"from", "to"}),

		entitiesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_entities_created_total",
			Help: "Entities constructed, by kind and origin",
		}, []string{"kind", "origin"}),

		entitiesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipywebrtc_entities_closed_total",
			Help: "Entities that reached the closed state",
		}, []string{"kind"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipywebrtc_bus_queue_depth",
			Help: "Messages waiting in the outbound queue",
		}),

		entitiesLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipywebrtc_entities_live",
			Help: "Entities currently in the directory",
		}, []string{"kind"}),

		frontendAttach: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipywebrtc_frontend_attached",
			Help: "1 while a front-end is attached to the sync channel",
		}),

		applyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipywebrtc_bus_apply_duration_seconds",
			Help:    "Time spent applying one inbound message",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (p *PrometheusCollector) MessageSent(t domain.MessageType) {
	p.messagesSent.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) MessageReceived(t domain.MessageType) {
	p.messagesReceived.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusCollector) SyncStateChanged(from, to domain.SyncState) {
	p.syncTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) EntityCreated(kind domain.Kind, origin domain.Origin) {
	p.entitiesCreated.WithLabelValues(string(kind), string(origin)).Inc()
	p.entitiesLive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) EntityClosed(kind domain.Kind) {
	p.entitiesClosed.WithLabelValues(string(kind)).Inc()
	p.entitiesLive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) SerializationFailed(direction string) {
	p.serializationFailure.WithLabelValues(direction).Inc()
}

func (p *PrometheusCollector) ApplyDuration(seconds float64) {
	p.applyDuration.Observe(seconds)
}

// RecordLink tracks front-end attachment from transport status reports.
func (p *PrometheusCollector) RecordLink(st domain.LinkStatus) {
	if st.Connected {
		p.frontendAttach.Set(1)
		return
	}
	p.frontendAttach.Set(0)
}
