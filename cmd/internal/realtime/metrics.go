package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Delivery outcomes reported by the publisher.
const (
	outcomeDelivered = "delivered"
	outcomeGone      = "gone"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveries   *prometheus.CounterVec
	connects     *prometheus.CounterVec
	connections  prometheus.Gauge
	swept        prometheus.Counter
	breakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "molar",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Per-connection event deliveries by outcome.",
		}, []string{"outcome"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "molar",
			Subsystem: "realtime",
			Name:      "connect_total",
			Help:      "Connect attempts by result status code class.",
		}, []string{"result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "molar",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Connections seen by the last registry listing.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "molar",
			Subsystem: "realtime",
			Name:      "registry_swept_total",
			Help:      "Stale connection records removed by the sweeper.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "molar",
			Subsystem: "realtime",
			Name:      "circuit_breaker_state",
			Help:      "Management API circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveries, m.connects, m.connections, m.swept, m.breakerState)
	}
	return m
}

func (m *Metrics) delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) connect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) addSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) breaker(name string, st gobreaker.State) {
	if m == nil {
		return
	}
	v := -1.0
	switch st {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
