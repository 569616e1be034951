// Package metrics exports fetch outcomes and bandwidth estimates to Prometheus.
package metrics

import (
	"dashabr/internal/events"
	"dashabr/internal/models"
	"dashabr/internal/throughput"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashabr"

// Outcome labels for fetch_completed_total.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeNullRequest = "null_request"
)

// Metrics is a registry scoped to one player session.
type Metrics struct {
	registry *prometheus.Registry

	completed *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// New creates the session registry. When estimator is non-nil its current
// estimates are exported on every scrape. isLive is consulted at scrape time
// to pick the sample window; a nil func means on-demand.
func New(estimator *throughput.Estimator, isLive func() bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "completed_total",
			Help:      "Terminal loading events by media type and outcome.",
		}, []string{"media_type", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Bytes received by successful loads.",
		}, []string{"media_type"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "first_byte_seconds",
			Help:      "Time from request to first response byte.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"media_type"}),
	}

	m.registry.MustRegister(m.completed, m.bytes, m.latency)
	if estimator != nil {
		m.registry.MustRegister(&estimateCollector{estimator: estimator, isLive: isLive})
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records a terminal loading event.
func (m *Metrics) Observe(e events.LoadingCompletedEvent) {
	mediaType := ""
	if e.Request != nil {
		mediaType = string(e.Request.MediaType)
	}

	switch {
	case e.Error != nil && e.Error.Code == models.NullRequest:
		m.completed.WithLabelValues(mediaType, OutcomeNullRequest).Inc()
	case e.Error != nil:
		m.completed.WithLabelValues(mediaType, OutcomeFailure).Inc()
	default:
		m.completed.WithLabelValues(mediaType, OutcomeSuccess).Inc()
		if e.Response != nil {
			m.bytes.WithLabelValues(mediaType).Add(float64(e.Response.Trace.TotalBytes()))
			if !e.Response.RequestTime.IsZero() {
				m.latency.WithLabelValues(mediaType).Observe(e.Response.ResponseTime.Sub(e.Response.RequestTime).Seconds())
			}
		}
	}
}

// Completed returns the counter for one media type and outcome.
func (m *Metrics) Completed(mediaType models.MediaType, outcome string) prometheus.Counter {
	return m.completed.WithLabelValues(string(mediaType), outcome)
}

var (
	throughputDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "estimate", "throughput_kbps"),
		"Windowed average throughput; kind=safe applies the bandwidth safety factor.",
		[]string{"media_type", "kind"}, nil,
	)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "estimate", "latency_ms"),
		"Average time to first byte over the latency window.",
		[]string{"media_type"}, nil,
	)
	samplesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "estimate", "history_samples"),
		"Throughput samples currently held.",
		[]string{"media_type"}, nil,
	)
)

// estimateCollector reads the estimator at scrape time.
type estimateCollector struct {
	estimator *throughput.Estimator
	isLive    func() bool
}

func (c *estimateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- throughputDesc
	ch <- latencyDesc
	ch <- samplesDesc
}

func (c *estimateCollector) Collect(ch chan<- prometheus.Metric) {
	live := c.isLive != nil && c.isLive()
	for _, mt := range c.estimator.MediaTypes() {
		label := string(mt)
		if avg := c.estimator.AverageThroughput(mt, live); !math.IsNaN(avg) {
			ch <- prometheus.MustNewConstMetric(throughputDesc, prometheus.GaugeValue, avg, label, "average")
			ch <- prometheus.MustNewConstMetric(throughputDesc, prometheus.GaugeValue, c.estimator.SafeAverageThroughput(mt, live), label, "safe")
		}
		if lat := c.estimator.AverageLatency(mt); !math.IsNaN(lat) {
			ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, lat, label)
		}
		ch <- prometheus.MustNewConstMetric(samplesDesc, prometheus.GaugeValue, float64(len(c.estimator.Snapshot(mt).Throughput)), label)
	}
}
