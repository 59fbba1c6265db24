// Package metrics exposes build supervisor counters for Prometheus.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sentinel"

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	buildsStarted  prometheus.Counter
	buildsFinished *prometheus.CounterVec
	buildsAborted  prometheus.Counter
	buildDuration  *prometheus.HistogramVec
	watchersActive prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// New registers the collectors on reg. Collectors already registered by an
// earlier call are reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		buildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_started_total",
			Help:      "Number of build jobs started",
		}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_finished_total",
			Help:      "Number of build jobs that ran to completion",
		}, []string{"outcome"}),
		buildsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_aborted_total",
			Help:      "Number of build jobs cancelled by a newer change",
		}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of build jobs",
			Buckets:   durationBuckets,
		}, []string{"outcome"}),
		watchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_active",
			Help:      "Number of live project watchers",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
	}
	m.buildsStarted = register(reg, m.buildsStarted)
	m.buildsFinished = register(reg, m.buildsFinished)
	m.buildsAborted = register(reg, m.buildsAborted)
	m.buildDuration = register(reg, m.buildDuration)
	m.watchersActive = register(reg, m.watchersActive)
	m.httpRequests = register(reg, m.httpRequests)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) BuildStarted() {
	if m == nil {
		return
	}
	m.buildsStarted.Inc()
}

// BuildFinished records a job that reached SUCCEEDED or FAILED.
func (m *Metrics) BuildFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.buildsFinished.With(prometheus.Labels{"outcome": outcome}).Inc()
	m.buildDuration.With(prometheus.Labels{"outcome": outcome}).Observe(d.Seconds())
}

func (m *Metrics) BuildAborted(d time.Duration) {
	if m == nil {
		return
	}
	m.buildsAborted.Inc()
	m.buildDuration.With(prometheus.Labels{"outcome": OutcomeAborted}).Observe(d.Seconds())
}

func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.watchersActive.Inc()
}

func (m *Metrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.watchersActive.Dec()
}

// Instrument counts requests served by next under the given route label.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		next(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.With(prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}).Inc()
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if rr.status == 0 {
		rr.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(rr.ResponseWriter).Hijack()
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
