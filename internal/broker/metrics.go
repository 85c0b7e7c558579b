package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	published   *prometheus.CounterVec
	confirms    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	outstanding *prometheus.GaugeVec
}

// NewMetrics creates the broker metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datashare",
				Subsystem: "broker",
				Name:      "published_total",
				Help:      "Total number of events published",
			},
			[]string{"queue"},
		),
		confirms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datashare",
				Subsystem: "broker",
				Name:      "confirms_total",
				Help:      "Total number of publisher confirms by outcome",
			},
			[]string{"queue", "outcome"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datashare",
				Subsystem: "broker",
				Name:      "deliveries_total",
				Help:      "Total number of consumed deliveries by outcome",
			},
			[]string{"queue", "outcome"},
		),
		outstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "datashare",
				Subsystem: "broker",
				Name:      "outstanding_confirms",
				Help:      "Current number of published events waiting for a confirm",
			},
			[]string{"queue"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.published, m.confirms, m.deliveries, m.outstanding)
	}
	return m
}

// Delivery outcomes.
const (
	outcomeAck     = "ack"
	outcomeNack    = "nack"
	outcomeRequeue = "requeue"
	outcomeReject  = "reject"
)

func (m *Metrics) publishedEvent(queue string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue).Inc()
}

func (m *Metrics) confirmed(queue, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.confirms.WithLabelValues(queue, outcome).Add(float64(n))
}

func (m *Metrics) delivered(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) setOutstanding(queue string, n int) {
	if m == nil {
		return
	}
	m.outstanding.WithLabelValues(queue).Set(float64(n))
}
