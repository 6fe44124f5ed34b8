package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one process. Each instance owns its
// registry so several can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database Metrics
	dbQueryDuration    *prometheus.HistogramVec
	dbQueryErrorsTotal *prometheus.CounterVec

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Token broker
	tokensIssuedTotal *prometheus.CounterVec

	// Call engine
	callJoinsTotal        *prometheus.CounterVec
	callJoinFailuresTotal *prometheus.CounterVec
	callsActive           prometheus.Gauge
	callsDuration         prometheus.Histogram
	deviceReleasesTotal   *prometheus.CounterVec
	deviceFailuresTotal   *prometheus.CounterVec
	ghostSessionsDropped  prometheus.Counter
	clientsActive         prometheus.Gauge
	lateResultsDiscarded  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Database query latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbQueryErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_errors_total",
				Help:        "Total number of database query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),

		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		tokensIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "stream_tokens_issued_total",
				Help:        "Total number of stream token requests by outcome",
				ConstLabels: labels,
			},
			[]string{"purpose", "outcome"},
		),

		callJoinsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_joins_total",
				Help:        "Total number of call join attempts by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		callJoinFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_join_failures_total",
				Help:        "Total number of failed joins by failure kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active calls",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		deviceReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "device_releases_total",
				Help:        "Total number of device releases by kind and status",
				ConstLabels: labels,
			},
			[]string{"device", "status"},
		),
		deviceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "device_acquire_failures_total",
				Help:        "Total number of device acquisition failures",
				ConstLabels: labels,
			},
			[]string{"device", "kind"},
		),
		ghostSessionsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "participant_ghost_sessions_total",
				Help:        "Total number of duplicate or stale participant records collapsed",
				ConstLabels: labels,
			},
		),
		clientsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_clients_active",
				Help:        "Number of live call clients held by the registry",
				ConstLabels: labels,
			},
		),
		lateResultsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_late_results_discarded_total",
				Help:        "Async results discarded because the call view was gone",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),
	}

	return m
}

// GetRegistry returns the registry backing this Metrics instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Database Metrics Methods

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrorsTotal.WithLabelValues(operation, table).Inc()
	}
}

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// WebSocket Metrics Methods

func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordTokenIssued records a token broker outcome ("ok", "rejected", "error")
func (m *Metrics) RecordTokenIssued(purpose, outcome string) {
	m.tokensIssuedTotal.WithLabelValues(purpose, outcome).Inc()
}

// Call engine

// RecordJoin records a join outcome ("joined", "permission_denied", "failed", "discarded")
func (m *Metrics) RecordJoin(outcome string) {
	m.callJoinsTotal.WithLabelValues(outcome).Inc()
}

// RecordJoinFailure records the classified kind of a failed join
func (m *Metrics) RecordJoinFailure(kind string) {
	m.callJoinFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementActiveCalls() {
	m.callsActive.Inc()
}

// DecrementActiveCalls decrements the active call gauge and observes the call's duration
func (m *Metrics) DecrementActiveCalls(duration time.Duration) {
	m.callsActive.Dec()
	m.callsDuration.Observe(duration.Seconds())
}

// RecordDeviceRelease records a device release; status is "ok" or "error"
func (m *Metrics) RecordDeviceRelease(device, status string) {
	m.deviceReleasesTotal.WithLabelValues(device, status).Inc()
}

// RecordDeviceFailure records a device acquisition failure with its classified kind
func (m *Metrics) RecordDeviceFailure(device, kind string) {
	m.deviceFailuresTotal.WithLabelValues(device, kind).Inc()
}

func (m *Metrics) RecordGhostSessions(n int) {
	if n > 0 {
		m.ghostSessionsDropped.Add(float64(n))
	}
}

func (m *Metrics) SetActiveClients(count int) {
	m.clientsActive.Set(float64(count))
}

// RecordLateResult records an async result discarded after the view unmounted
func (m *Metrics) RecordLateResult(stage string) {
	m.lateResultsDiscarded.WithLabelValues(stage).Inc()
}
