package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections      prometheus.Gauge
	Subscriptions    prometheus.Gauge
	Published        *prometheus.CounterVec
	Delivered        prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Active (connection, channel) subscriptions.",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "published_total",
			Help:      "Events published, by channel kind.",
		}, []string{"kind"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "delivered_total",
			Help:      "Frames enqueued to subscribers.",
		}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "delivery_failures_total",
			Help:      "Frames dropped for a single subscriber, by reason.",
		}, []string{"reason"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials, by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) subscribed(n int) {
	if m != nil {
		m.Subscriptions.Add(float64(n))
	}
}

func (m *Metrics) published(kind string) {
	if m != nil {
		m.Published.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) delivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) deliveryFailed(reason string) {
	if m != nil {
		m.DeliveryFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) authFailed(stage string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(stage).Inc()
	}
}
