package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's prometheus instruments. They live on the
// default registry, so the process creates them once and every Server
// shares the same instance.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveAgents      prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	InboundTotal      *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide server metrics, registering them
// on first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "snow_server_active_connections",
				Help: "Open SSE and websocket connections",
			}),
			ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "snow_server_active_agents",
				Help: "Running sub-agent instances",
			}),
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "snow_server_events_total",
				Help: "Events sent to clients, by event type",
			}, []string{"type"}),
			EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "snow_server_events_dropped_total",
				Help: "Events dropped because a client stopped draining",
			}),
			InboundTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "snow_server_inbound_messages_total",
				Help: "Inbound client messages, by message type",
			}, []string{"type"}),
		}
	})
	return metricsInstance
}

func (m *Metrics) ConnectionOpened() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) SetActiveAgents(n int) {
	if m == nil || m.ActiveAgents == nil {
		return
	}
	m.ActiveAgents.Set(float64(n))
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil || m.EventsTotal == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil || m.EventsDropped == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) RecordInbound(messageType string) {
	if m == nil || m.InboundTotal == nil {
		return
	}
	m.InboundTotal.WithLabelValues(messageType).Inc()
}
