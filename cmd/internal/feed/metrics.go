package feed

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts consumed messages. A nil *Metrics records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "molar",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Consumed queue messages by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.messages)
	}
	return m
}

func (m *Metrics) message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}
