// Package metrics exposes detector and delivery telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
)

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	samples        *prometheus.CounterVec
	samplesDropped *prometheus.CounterVec
	prompts        prometheus.Counter
	promptOutcomes *prometheus.CounterVec
	spotOpenings   *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	sessions       prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "spotwatch"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "samples_total",
		Help:      "Samples seen by detectors, by motion classification",
	}, []string{"motion"})
	c.samplesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "samples_dropped_total",
		Help:      "Samples discarded without affecting state",
	}, []string{"reason"})
	c.prompts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "prompts_total",
		Help:      "Parked confirmation prompts issued",
	})
	c.promptOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "prompt_outcomes_total",
		Help:      "Parked confirmation prompts resolved, by outcome",
	}, []string{"outcome"})
	c.spotOpenings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "departures_total",
		Help:      "Departures from a confirmed spot; result=announced|no_position",
	}, []string{"result"})
	c.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts, by status",
	}, []string{"status"})
	c.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions with a running detector",
	})

	c.registry.MustRegister(
		c.samples,
		c.samplesDropped,
		c.prompts,
		c.promptOutcomes,
		c.spotOpenings,
		c.deliveries,
		c.sessions,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SampleObserved(m gps.Motion) {
	c.samples.WithLabelValues(m.String()).Inc()
}

func (c *Collector) SampleDropped(reason string) {
	c.samplesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) PromptIssued() {
	c.prompts.Inc()
}

func (c *Collector) PromptResolved(o confirm.Outcome) {
	c.promptOutcomes.WithLabelValues(string(o)).Inc()
}

func (c *Collector) SpotOpening(located bool) {
	if located {
		c.spotOpenings.WithLabelValues("announced").Inc()
		return
	}
	c.spotOpenings.WithLabelValues("no_position").Inc()
}

func (c *Collector) NotificationDelivery(status string) {
	c.deliveries.WithLabelValues(status).Inc()
}

func (c *Collector) SessionOpened() {
	c.sessions.Inc()
}

func (c *Collector) SessionClosed() {
	c.sessions.Dec()
}
