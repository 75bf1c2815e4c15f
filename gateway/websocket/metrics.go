package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tripscope/metric"
)

// Metrics holds Prometheus metrics for the WebSocket gateway.
type Metrics struct {
	framesTotal      *prometheus.CounterVec // By result: accepted, invalid, rate_limited
	signalsTotal     prometheus.Counter
	clientsConnected *prometheus.GaugeVec   // By endpoint: ingest, feed
	connectionsTotal *prometheus.CounterVec // By endpoint
	feedEvents       *prometheus.CounterVec // By event type
	feedDropped      prometheus.Counter
	errorsTotal      *prometheus.CounterVec // By error type
}

// newMetrics creates and registers gateway metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Signal frames received by result",
		}, []string{"result"}),
		signalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "signals_total",
			Help:      "Signal values broadcast from ingest frames",
		}),
		clientsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}, []string{"endpoint"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted",
		}, []string{"endpoint"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "feed_events_total",
			Help:      "Events published to feed clients by type",
		}, []string{"type"}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "feed_dropped_total",
			Help:      "Feed events dropped for slow clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway errors by type",
		}, []string{"type"}),
	}

	if err := registry.RegisterCounterVec("gateway", "frames", m.framesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "signals", m.signalsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("gateway", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "connections", m.connectionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "feed_events", m.feedEvents); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "feed_dropped", m.feedDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "errors", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) frame(result string, signals int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(result).Inc()
	m.signalsTotal.Add(float64(signals))
}

func (m *Metrics) connected(endpoint string, clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(endpoint).Inc()
	m.clientsConnected.WithLabelValues(endpoint).Set(float64(clients))
}

func (m *Metrics) disconnected(endpoint string, clients int) {
	if m != nil {
		m.clientsConnected.WithLabelValues(endpoint).Set(float64(clients))
	}
}

func (m *Metrics) published(eventType string, dropped int) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(eventType).Inc()
	m.feedDropped.Add(float64(dropped))
}

func (m *Metrics) error(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}
