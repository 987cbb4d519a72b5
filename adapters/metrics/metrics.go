// Package metrics provides Prometheus metrics collection for apifactory.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/apifactory/ports"
)

const namespace = "apifactory"

// Collector holds all Prometheus metrics for apifactory.
type Collector struct {
	registry *prometheus.Registry

	// Dispatch metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	MessagesTotal   *prometheus.CounterVec
	PublishesTotal  *prometheus.CounterVec

	// Module metrics
	ModulesInstantiated prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

var _ ports.MetricsRecorder = (*Collector)(nil)

// New creates a collector on its own registry, with the Go runtime and
// process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP and RPC requests dispatched",
			},
			[]string{"protocol", "operation", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"protocol", "operation"},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of inbound broker messages",
			},
			[]string{"operation", "outcome"},
		),
		PublishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publishes_total",
				Help:      "Total number of outbound publishes per server",
			},
			[]string{"operation", "server", "outcome"},
		),
		ModulesInstantiated: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_instantiated",
				Help:      "Number of capability modules instantiated",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveRequest records one HTTP or RPC request.
func (c *Collector) ObserveRequest(protocol, operation, outcome string, duration time.Duration) {
	c.RequestsTotal.WithLabelValues(protocol, operation, outcome).Inc()
	c.RequestDuration.WithLabelValues(protocol, operation).Observe(duration.Seconds())
}

// ObserveMessage records one inbound message.
func (c *Collector) ObserveMessage(operation, outcome string) {
	c.MessagesTotal.WithLabelValues(operation, outcome).Inc()
}

// ObservePublish records one publish to one server.
func (c *Collector) ObservePublish(operation, server, outcome string) {
	c.PublishesTotal.WithLabelValues(operation, server, outcome).Inc()
}

// ObserveReload records a config reload attempt.
func (c *Collector) ObserveReload(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
