// Package metrics exposes the gateway's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CSroseX/traced-gateway/internal/tracing"
)

const namespace = "gateway"

var _ tracing.Observer = (*Metrics)(nil)

// Metrics holds the gateway's collectors. It also observes server spans
// for the tracing interceptor.
type Metrics struct {
	factory promauto.Factory

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	ChaosInjected   *prometheus.CounterVec

	SpansStarted       prometheus.Counter
	ResponsesTagged    *prometheus.CounterVec
	ExchangesCompleted prometheus.Counter
	ExchangeDuration   prometheus.Histogram
	SpansEvicted       *prometheus.CounterVec
}

// New registers the gateway's collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		factory: f,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"route", "tenant", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Proxied request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route", "tenant"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Proxied requests answered with a 4xx or 5xx status",
			},
			[]string{"route", "tenant"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"tenant"},
		),
		ChaosInjected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chaos_injected_total",
				Help:      "Faults injected by chaos mode",
			},
			[]string{"type"},
		),

		SpansStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracing",
			Name:      "server_spans_started_total",
			Help:      "Server spans started at the protocol boundary",
		}),
		ResponsesTagged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracing",
				Name:      "responses_tagged_total",
				Help:      "Server spans tagged with a response status",
			},
			[]string{"class"},
		),
		ExchangesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracing",
			Name:      "exchanges_completed_total",
			Help:      "Exchanges whose server span was ended on completion",
		}),
		ExchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracing",
			Name:      "exchange_duration_seconds",
			Help:      "Time from the first byte of a request to the completion of its exchange",
			Buckets:   prometheus.DefBuckets,
		}),
		SpansEvicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracing",
				Name:      "spans_evicted_total",
				Help:      "Server spans ended without their exchange completing",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) SpanStarted() { m.SpansStarted.Inc() }

func (m *Metrics) ResponseTagged(status int) {
	m.ResponsesTagged.WithLabelValues(statusClass(status)).Inc()
}

func (m *Metrics) ExchangeCompleted(elapsed time.Duration) {
	m.ExchangesCompleted.Inc()
	m.ExchangeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) EntryEvicted(reason string) {
	m.SpansEvicted.WithLabelValues(reason).Inc()
}

// WatchRegistry exports the number of in-flight server spans.
func (m *Metrics) WatchRegistry(size func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracing",
		Name:      "registry_entries",
		Help:      "Requests that currently have a server span",
	}, func() float64 { return float64(size()) })
}

func (m *Metrics) RecordRateLimited(tenantID string) {
	m.RateLimited.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordChaos(kind string) {
	m.ChaosInjected.WithLabelValues(kind).Inc()
}

// RecordRequest records one proxied request.
func (m *Metrics) RecordRequest(route, tenant string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, tenant, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, tenant).Observe(duration.Seconds())
	if status >= 400 {
		m.ErrorsTotal.WithLabelValues(route, tenant).Inc()
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
