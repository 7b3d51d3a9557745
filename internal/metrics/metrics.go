// Package metrics holds the hub's Prometheus instrumentation. All methods
// are safe on a nil *Metrics, so components can run uninstrumented.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	messagesTotal     *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	overridesTotal    prometheus.Counter
	batchesTotal      *prometheus.CounterVec
	mqttState         prometheus.Gauge
	reading           *prometheus.GaugeVec
	indoorReads       *prometheus.CounterVec
	syncTotal         *prometheus.CounterVec
	syncRecords       prometheus.Counter
	syncFailures      prometheus.Gauge
	syncPending       prometheus.Gauge
	syncDuration      prometheus.Histogram
	cbState           *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the metrics on a private registry that also carries the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_mqtt_messages_total",
			Help: "Inbound MQTT messages by topic and result.",
		}, []string{"topic", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_commands_total",
			Help: "Actuator commands by command and result.",
		}, []string{"command", "result"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_decisions_total",
			Help: "Decision engine evaluations by outcome (command or skip reason).",
		}, []string{"outcome"}),
		overridesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venthub_manual_overrides_total",
			Help: "Manual overrides activated.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_outdoor_batches_total",
			Help: "Outdoor pending batches closed, by how they closed.",
		}, []string{"closed_by"}),
		mqttState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venthub_mqtt_state",
			Help: "MQTT connection state (0 disconnected, 1 connecting, 2 subscribed).",
		}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venthub_reading",
			Help: "Last accepted reading by source and metric.",
		}, []string{"source", "metric"}),
		indoorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_indoor_samples_total",
			Help: "Indoor sensor sampling attempts by result.",
		}, []string{"result"}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_sync_batches_total",
			Help: "Replication batches by result.",
		}, []string{"result"}),
		syncRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venthub_sync_records_total",
			Help: "Records confirmed by the remote collector.",
		}),
		syncFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venthub_sync_consecutive_failures",
			Help: "Consecutive failed replication attempts.",
		}),
		syncPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venthub_journal_unsynced",
			Help: "Journal records awaiting replication.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "venthub_sync_duration_seconds",
			Help:    "Histogram of replication request durations.",
			Buckets: prometheus.DefBuckets,
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venthub_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venthub_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venthub_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesTotal,
		m.commandsTotal,
		m.decisionsTotal,
		m.overridesTotal,
		m.batchesTotal,
		m.mqttState,
		m.reading,
		m.indoorReads,
		m.syncTotal,
		m.syncRecords,
		m.syncFailures,
		m.syncPending,
		m.syncDuration,
		m.cbState,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	m.cbState.WithLabelValues("sync").Set(0)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// WrapHandler counts and times requests to route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Message counts an inbound message. result is "accepted" or "rejected".
func (m *Metrics) Message(topic, result string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(topic, result).Inc()
}

// Command counts a publish attempt.
func (m *Metrics) Command(cmd string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.commandsTotal.WithLabelValues(cmd, result).Inc()
}

// Decision counts one engine evaluation.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}

// Override counts an activated manual override.
func (m *Metrics) Override() {
	if m == nil {
		return
	}
	m.overridesTotal.Inc()
}

// Batch counts a closed outdoor batch; closedBy is "complete" or "timeout".
func (m *Metrics) Batch(closedBy string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(closedBy).Inc()
}

// SetMQTTState records the connection state as its numeric value.
func (m *Metrics) SetMQTTState(state int) {
	if m == nil {
		return
	}
	m.mqttState.Set(float64(state))
}

// Reading records the latest accepted value.
func (m *Metrics) Reading(source, metric string, v float64) {
	if m == nil {
		return
	}
	m.reading.WithLabelValues(source, metric).Set(v)
}

// IndoorSample counts a sampling attempt.
func (m *Metrics) IndoorSample(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.indoorReads.WithLabelValues(result).Inc()
}

// SyncResult records one replication attempt.
func (m *Metrics) SyncResult(duration time.Duration, records int, success bool, failures int) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(duration.Seconds())
	if success {
		m.syncTotal.WithLabelValues("success").Inc()
		m.syncRecords.Add(float64(records))
	} else {
		m.syncTotal.WithLabelValues("failure").Inc()
	}
	m.syncFailures.Set(float64(failures))
}

// SetPending records the unsynced journal backlog.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.syncPending.Set(float64(n))
}

// SetCircuitBreakerState records a breaker state (0 closed, 1 half, 2 open).
func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}
