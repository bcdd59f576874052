// Package metrics exposes plugin host counters in Prometheus format.
// All Collector methods accept a nil receiver so callers can run without metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pluginhost/pkg/models"
)

// Collector owns its own registry so tests and multiple hosts do not collide.
type Collector struct {
	registry *prometheus.Registry

	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	pluginState       *prometheus.GaugeVec
	restartsTotal     *prometheus.CounterVec
	bridgeCallsTotal  *prometheus.CounterVec
	healthChecksTotal *prometheus.CounterVec
}

// NewCollector registers the plugin host metrics under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of host to plugin calls",
			},
			[]string{"plugin", "method", "result"}, // result: ok, error, timeout, transport, unavailable
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Host to plugin call duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"plugin", "method"},
		),
		pluginState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugin_state",
				Help:      "1 for the current lifecycle state of each plugin, 0 otherwise",
			},
			[]string{"plugin", "state"},
		),
		restartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_restarts_total",
				Help:      "Total number of plugin restarts",
			},
			[]string{"plugin"},
		),
		bridgeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_calls_total",
				Help:      "Total number of plugin to host service calls",
			},
			[]string{"plugin", "op", "result"}, // result: ok, denied, unavailable, error
		),
		healthChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Total number of plugin health checks",
			},
			[]string{"plugin", "result"},
		),
	}
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCall records one dispatched call.
func (c *Collector) RecordCall(pluginID, method string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(pluginID, method, callResult(err)).Inc()
	c.callDuration.WithLabelValues(pluginID, method).Observe(d.Seconds())
}

// SetState marks state as the current one for the plugin.
func (c *Collector) SetState(pluginID string, state models.LifecycleState) {
	if c == nil {
		return
	}
	for _, s := range models.AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.pluginState.WithLabelValues(pluginID, string(s)).Set(v)
	}
}

func (c *Collector) RecordRestart(pluginID string) {
	if c == nil {
		return
	}
	c.restartsTotal.WithLabelValues(pluginID).Inc()
}

// BridgeCall satisfies bridge.Recorder.
func (c *Collector) BridgeCall(pluginID, op string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrPermissionDenied):
		result = "denied"
	case errors.Is(err, models.ErrServiceUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	c.bridgeCallsTotal.WithLabelValues(pluginID, op, result).Inc()
}

func (c *Collector) RecordHealthCheck(pluginID string, healthy bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !healthy {
		result = "failed"
	}
	c.healthChecksTotal.WithLabelValues(pluginID, result).Inc()
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrRPCTimeout):
		return "timeout"
	case errors.Is(err, models.ErrRPCTransport):
		return "transport"
	case errors.Is(err, models.ErrCapabilityUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
