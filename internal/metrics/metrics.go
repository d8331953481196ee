// Package metrics owns the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "benchwarmers"

// Collector holds a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	escrowPayments     *prometheus.CounterVec
	disputesResolved   *prometheus.CounterVec
	subscriptionCharge *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "route"})

	c.escrowPayments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_payments_total",
		Help:      "Escrow payment attempts by outcome.",
	}, []string{"outcome"})

	c.disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disputes_resolved_total",
		Help:      "Resolved disputes by resolution.",
	}, []string{"resolution"})

	c.subscriptionCharge = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_charges_total",
		Help:      "Subscription renewal charges by outcome.",
	}, []string{"outcome"})

	c.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		c.httpRequests,
		c.httpDuration,
		c.escrowPayments,
		c.disputesResolved,
		c.subscriptionCharge,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// EscrowPayment counts one escrow attempt. outcome is processed, failed or rejected.
func (c *Collector) EscrowPayment(outcome string) {
	if c == nil {
		return
	}
	c.escrowPayments.WithLabelValues(outcome).Inc()
}

func (c *Collector) DisputeResolved(resolution string) {
	if c == nil {
		return
	}
	c.disputesResolved.WithLabelValues(resolution).Inc()
}

func (c *Collector) SubscriptionCharge(outcome string) {
	if c == nil {
		return
	}
	c.subscriptionCharge.WithLabelValues(outcome).Inc()
}
