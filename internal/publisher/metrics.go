package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus instruments updated by the loop.
type Metrics struct {
	Ticks           prometheus.Counter
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	CollectFailures prometheus.Counter
	LastPublish     prometheus.Gauge
	Connected       prometheus.Gauge
}

// NewMetrics creates the loop instruments and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "naspanel",
			Name:      "ticks_total",
			Help:      "Collect-and-publish iterations started.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "naspanel",
			Name:      "published_total",
			Help:      "Snapshots delivered to the broker.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "naspanel",
			Name:      "publish_failures_total",
			Help:      "Snapshots the broker rejected or that timed out.",
		}),
		CollectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "naspanel",
			Name:      "collect_failures_total",
			Help:      "Ticks skipped because the provider could not be read.",
		}),
		LastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "naspanel",
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last successful publish.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "naspanel",
			Name:      "connected",
			Help:      "1 while the broker connection is established.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.Published, m.PublishFailures,
			m.CollectFailures, m.LastPublish, m.Connected)
	}
	return m
}
