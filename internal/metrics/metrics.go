package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncbroker"

// Collector is a prometheus.Collector fed by the broker. A nil *Collector
// records nothing.
type Collector struct {
	messages      *prometheus.CounterVec
	faults        prometheus.Counter
	refreshes     *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
}

func NewCollector() *Collector {
	return &Collector{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound messages by type.",
			}, []string{"type"},
		),
		faults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_faults_total",
				Help:      "Dispatches that ended in a pipeline fault.",
			},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Subscription reads by channel.",
			}, []string{"channel"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Row sets pushed to clients by channel.",
			}, []string{"channel"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Open client connections.",
			},
		),
		subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions",
				Help:      "Live subscriptions.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.messages.Describe(ch)
	c.faults.Describe(ch)
	c.refreshes.Describe(ch)
	c.pushes.Describe(ch)
	c.connections.Describe(ch)
	c.subscriptions.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.messages.Collect(ch)
	c.faults.Collect(ch)
	c.refreshes.Collect(ch)
	c.pushes.Collect(ch)
	c.connections.Collect(ch)
	c.subscriptions.Collect(ch)
}

func (c *Collector) Message(msgType string) {
	if c != nil {
		c.messages.WithLabelValues(msgType).Inc()
	}
}

func (c *Collector) Fault() {
	if c != nil {
		c.faults.Inc()
	}
}

func (c *Collector) Refreshed(channel string) {
	if c != nil {
		c.refreshes.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) Pushed(channel string) {
	if c != nil {
		c.pushes.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) Connections(n int) {
	if c != nil {
		c.connections.Set(float64(n))
	}
}

func (c *Collector) Subscriptions(n int) {
	if c != nil {
		c.subscriptions.Set(float64(n))
	}
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
