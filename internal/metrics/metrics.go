package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics for the proxy: forwarded request
// counts by route class and status, and metered token counts by model and
// side.
type Collector struct {
	registry *prometheus.Registry

	proxyRequests *prometheus.CounterVec
	meteredTokens *prometheus.CounterVec
	usageCost     *prometheus.CounterVec
}

// NewCollector creates a Collector backed by its own registry. If registry
// is nil a fresh one is used.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencatd",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Forwarded upstream requests by route class and response status.",
		}, []string{"route", "status"}),
		meteredTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencatd",
			Subsystem: "proxy",
			Name:      "tokens_total",
			Help:      "Metered tokens by model and side (prompt or completion).",
		}, []string{"model", "side"}),
		usageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencatd",
			Subsystem: "usage",
			Name:      "cost_total",
			Help:      "Accumulated usage cost in USD by model.",
		}, []string{"model"}),
	}
	registry.MustRegister(c.proxyRequests, c.meteredTokens, c.usageCost)
	return c
}

// RecordRequest counts one forwarded request.
func (c *Collector) RecordRequest(route string, status int) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// RecordTokens counts metered tokens and cost for one request.
func (c *Collector) RecordTokens(model string, promptTokens, completionTokens int, cost float64) {
	if c == nil {
		return
	}
	c.meteredTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.meteredTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	c.usageCost.WithLabelValues(model).Add(cost)
}

// Handler exposes the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
