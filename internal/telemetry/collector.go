package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the monitoring core. It is
// shared by the workflow engine, dispatcher, hub, and HTTP layer through
// the narrow Telemetry interfaces each of them declares.
type Collector struct {
	registry *prometheus.Registry

	assessmentsTotal   *prometheus.CounterVec
	detectorDuration   prometheus.Histogram
	activeCrisisEvents prometheus.Gauge
	escalationsTotal   prometheus.Counter
	dispatchTotal      *prometheus.CounterVec
	observerDrops      prometheus.Counter
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewCollector registers the service instruments on the given registry.
// The registry is kept so Handler serves exactly these instruments; tests
// use a private registry so repeated construction does not collide.
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		assessmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisis_assessments_total",
			Help: "Crisis assessments processed, by resulting crisis level",
		}, []string{"level"}),
		detectorDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crisis_detector_duration_seconds",
			Help:    "Indicator detector latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		activeCrisisEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crisis_active_events",
			Help: "Crisis events with outstanding interventions",
		}),
		escalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crisis_escalations_total",
			Help: "Notification re-escalations performed by the sweep",
		}),
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisis_notification_dispatch_total",
			Help: "Notification delivery attempts by outcome",
		}, []string{"outcome"}),
		observerDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "crisis_observer_dropped_messages_total",
			Help: "Dashboard messages dropped on slow observers",
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisis_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisis_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RecordAssessment implements the workflow engine telemetry contract.
func (c *Collector) RecordAssessment(level string, detectorSeconds float64) {
	c.assessmentsTotal.WithLabelValues(level).Inc()
	c.detectorDuration.Observe(detectorSeconds)
}

// RecordEscalation counts one notification re-escalation.
func (c *Collector) RecordEscalation() {
	c.escalationsTotal.Inc()
}

// SetActiveEvents tracks the active crisis event gauge.
func (c *Collector) SetActiveEvents(n int) {
	c.activeCrisisEvents.Set(float64(n))
}

// RecordDispatch counts one delivery attempt outcome.
func (c *Collector) RecordDispatch(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.dispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordObserverDrop counts one message dropped on a slow observer.
func (c *Collector) RecordObserverDrop() {
	c.observerDrops.Inc()
}

// RecordHTTPRequest counts one handled HTTP request.
func (c *Collector) RecordHTTPRequest(route, code string, seconds float64) {
	c.httpRequestsTotal.WithLabelValues(route, code).Inc()
	c.httpDuration.WithLabelValues(route).Observe(seconds)
}

// Handler serves the collector's registry in the Prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
