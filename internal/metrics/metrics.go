// Package metrics counts API requests, retries and transfers with
// Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eodms"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	downloadsTotal  *prometheus.CounterVec
	downloadedBytes prometheus.Counter
	ordersTotal     prometheus.Counter
	searchHits      prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "API requests by endpoint and HTTP status code.",
	}, []string{"endpoint", "code"})

	m.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_retries_total",
		Help:      "Retried API requests by reason.",
	}, []string{"reason"})

	m.downloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "Product transfers by result.",
	}, []string{"result"})

	m.downloadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Bytes written to product files.",
	})

	m.ordersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_submitted_total",
		Help:      "Order ids returned by order submissions.",
	})

	m.searchHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "search_last_hits",
		Help:      "Hits returned by the most recent search.",
	})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request latency by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	m.Registry.MustRegister(
		m.requestsTotal,
		m.retriesTotal,
		m.downloadsTotal,
		m.downloadedBytes,
		m.ordersTotal,
		m.searchHits,
		m.requestDuration,
	)
	return m
}

// ObserveRequest records one completed HTTP exchange. code 0 means the
// request failed before a response arrived.
func (m *Metrics) ObserveRequest(endpoint string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(reason).Inc()
}

// ObserveDownload records a transfer result ("downloaded", "skipped", "error").
func (m *Metrics) ObserveDownload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.downloadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveOrders(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ordersTotal.Add(float64(n))
}

func (m *Metrics) SetSearchHits(n int) {
	if m == nil {
		return
	}
	m.searchHits.Set(float64(n))
}

// WriteToTextfile writes the registry in the node exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
