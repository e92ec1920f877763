package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the payment service.
type Metrics struct {
	registry *prometheus.Registry

	paymeRequests   *prometheus.CounterVec
	clickRequests   *prometheus.CounterVec
	ordersCreated   *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	reaperCancelled prometheus.Counter
	webhookLatency  *prometheus.HistogramVec
}

// New creates a metrics registry and registers payment metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	paymeRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payme_requests_total",
		Help: "Total number of Payme JSON-RPC requests by method and result code.",
	}, []string{"method", "code"})

	clickRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "click_requests_total",
		Help: "Total number of Click callbacks by action and error code.",
	}, []string{"action", "error"})

	ordersCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of created orders by payment method.",
	}, []string{"payment_method"})

	ordersCancelled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders by reason.",
	}, []string{"reason"})

	reaperCancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_cancelled_total",
		Help: "Total number of zombie orders cancelled by the reaper.",
	})

	webhookLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_latency_seconds",
		Help:    "Latency of provider webhook handling in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	registry.MustRegister(paymeRequests, clickRequests, ordersCreated, ordersCancelled, reaperCancelled, webhookLatency)

	return &Metrics{
		registry:        registry,
		paymeRequests:   paymeRequests,
		clickRequests:   clickRequests,
		ordersCreated:   ordersCreated,
		ordersCancelled: ordersCancelled,
		reaperCancelled: reaperCancelled,
		webhookLatency:  webhookLatency,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncPaymeRequest increments the Payme request counter.
func (m *Metrics) IncPaymeRequest(method, code string) {
	if m == nil {
		return
	}
	m.paymeRequests.WithLabelValues(method, code).Inc()
}

// IncClickRequest increments the Click callback counter.
func (m *Metrics) IncClickRequest(action, errorCode string) {
	if m == nil {
		return
	}
	m.clickRequests.WithLabelValues(action, errorCode).Inc()
}

// IncOrderCreated increments the created order counter.
func (m *Metrics) IncOrderCreated(paymentMethod string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(paymentMethod).Inc()
}

// IncOrderCancelled increments the cancelled order counter.
func (m *Metrics) IncOrderCancelled(reason string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(reason).Inc()
}

// IncReaperCancelled increments the reaper cancellation counter.
func (m *Metrics) IncReaperCancelled() {
	if m == nil {
		return
	}
	m.reaperCancelled.Inc()
}

// ObserveWebhookLatency records webhook handling latency.
func (m *Metrics) ObserveWebhookLatency(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(d.Seconds())
}
