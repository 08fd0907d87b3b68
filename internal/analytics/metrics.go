// Package analytics consumes engine events: it keeps per-bot conversation counters,
// exports Prometheus metrics and forwards events to the external aggregation store.
package analytics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

const namespace = "orchestrator"

// Metrics holds the Prometheus collectors fed by engine events.
type Metrics struct {
	messagesReceived     *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	conversationsStarted *prometheus.CounterVec
	conversationsEnded   *prometheus.CounterVec
	flowTransitions      *prometheus.CounterVec
	conversationsActive  prometheus.Gauge
	eventsDropped        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages accepted per bot.",
		}, []string{"bot"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages delivered to the provider per bot.",
		}, []string{"bot"}),
		conversationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_started_total",
			Help:      "Conversations created per bot.",
		}, []string{"bot"}),
		conversationsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_ended_total",
			Help:      "Conversations ended, by reason.",
		}, []string{"reason"}),
		flowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Step transitions per flow.",
		}, []string{"flow"}),
		conversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Conversations currently held in memory.",
		}),
		eventsDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_events",
			Help:      "Events dropped by a slow event bus subscriber.",
		}, []string{"subscriber"}),
	}
	reg.MustRegister(
		m.messagesReceived,
		m.messagesSent,
		m.conversationsStarted,
		m.conversationsEnded,
		m.flowTransitions,
		m.conversationsActive,
		m.eventsDropped,
	)
	return m
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(evt models.Event) {
	switch evt.Type {
	case models.EventMessageReceived:
		m.messagesReceived.WithLabelValues(evt.BotID).Inc()
	case models.EventMessageSent:
		m.messagesSent.WithLabelValues(evt.BotID).Inc()
	case models.EventConversationStarted:
		m.conversationsStarted.WithLabelValues(evt.BotID).Inc()
		m.conversationsActive.Inc()
	case models.EventConversationEnded:
		m.conversationsEnded.WithLabelValues(evt.Reason).Inc()
		m.conversationsActive.Dec()
	case models.EventFlowTransition:
		m.flowTransitions.WithLabelValues(evt.FlowID).Inc()
	}
}

// SetActive overwrites the active conversations gauge, used after recovery.
func (m *Metrics) SetActive(n int) {
	m.conversationsActive.Set(float64(n))
}

// SetDropped reports how many events a subscriber has lost.
func (m *Metrics) SetDropped(subscriber string, n uint64) {
	m.eventsDropped.WithLabelValues(subscriber).Set(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
