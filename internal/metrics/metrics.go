// Package metrics exposes Prometheus collectors for the aggregation engine,
// live pollers, HTTP handlers and the MQTT bridge. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "home_energy"

type Metrics struct {
	computeDuration *prometheus.HistogramVec
	computeErrors   *prometheus.CounterVec
	coalesced       prometheus.Counter
	warnings        *prometheus.CounterVec
	hubEnergy       *prometheus.GaugeVec
	pollTicks       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	mqttMessages    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		computeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_duration_seconds",
			Help:      "Time to compute an energy aggregate, by level.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"level"}),
		computeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_errors_total",
			Help:      "Failed aggregate computations, by level and error kind.",
		}, []string{"level", "kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_coalesced_total",
			Help:      "Requests that shared an in-flight computation instead of starting one.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_data_warnings_total",
			Help:      "Data-quality problems substituted with a zero or default contribution.",
		}, []string{"kind"}),
		hubEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_energy_kwh",
			Help:      "Most recently computed total energy per hub and window.",
		}, []string{"hub", "window"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Live poller ticks, by result (run, dropped, refresh).",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		mqttMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "MQTT messages handled, by direction and result.",
		}, []string{"direction", "result"}),
	}

	reg.MustRegister(
		m.computeDuration,
		m.computeErrors,
		m.coalesced,
		m.warnings,
		m.hubEnergy,
		m.pollTicks,
		m.httpRequests,
		m.httpDuration,
		m.mqttMessages,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Computation records one engine computation. errKind is empty on success.
func (m *Metrics) Computation(level string, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.computeDuration.WithLabelValues(level).Observe(d.Seconds())
	if errKind != "" {
		m.computeErrors.WithLabelValues(level, errKind).Inc()
	}
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) HubEnergy(hubCode, window string, kwh float64) {
	if m == nil {
		return
	}
	m.hubEnergy.WithLabelValues(hubCode, window).Set(kwh)
}

// PollTick records a poller tick outcome: "run", "dropped" or "refresh".
func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

// MQTTMessage records an inbound ("in") or outbound ("out") message.
func (m *Metrics) MQTTMessage(direction string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.mqttMessages.WithLabelValues(direction, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and observes latency under the route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
