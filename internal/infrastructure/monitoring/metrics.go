package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Terminal metrics
	TerminalsActive     prometheus.Gauge
	TerminalsCreated    prometheus.Counter
	TerminalsRemoved    *prometheus.CounterVec
	SpawnFailures       prometheus.Counter
	SessionsActive      prometheus.Gauge
	SpawnGuardOpen      prometheus.Gauge
	LoginSessionsActive prometheus.Gauge

	// WebSocket metrics
	WSConnections     prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	WSOutboundDropped prometheus.Counter

	// Auth metrics
	LoginAttempts *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ActiveTerminals   int64   `json:"active_terminals"`
	ActiveSessions    int64   `json:"active_sessions"`
	ActiveConnections int64   `json:"active_connections"`
	TerminalsCreated  int64   `json:"terminals_created"`
	SpawnFailures     int64   `json:"spawn_failures"`
	AvgRequestSeconds float64 `json:"avg_request_seconds"`
	UptimeSeconds     float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshell_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webshell_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webshell_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "route"},
		),

		// Terminal metrics
		TerminalsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_terminals_active",
			Help: "Number of live terminals",
		}),
		TerminalsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "webshell_terminals_created_total",
			Help: "Total number of terminals spawned",
		}),
		TerminalsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshell_terminals_removed_total",
				Help: "Total number of terminals removed, by reason",
			},
			[]string{"reason"},
		),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "webshell_terminal_spawn_failures_total",
			Help: "Total number of failed terminal spawns",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_sessions_active",
			Help: "Number of sessions owning at least one terminal",
		}),
		SpawnGuardOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_spawn_guard_open",
			Help: "1 while terminal spawning is suspended after repeated failures",
		}),
		LoginSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_login_sessions",
			Help: "Number of stored login sessions",
		}),

		// WebSocket metrics
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_ws_connections",
			Help: "Number of active WebSocket connections",
		}),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshell_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		WSOutboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "webshell_ws_outbound_dropped_total",
			Help: "Outbound messages dropped because the connection was closing",
		}),

		// Auth metrics
		LoginAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshell_login_attempts_total",
				Help: "Login attempts by result",
			},
			[]string{"result"},
		),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "webshell_uptime_seconds",
		Help: "Server uptime in seconds",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, route).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// TerminalCreated implements terminal.Metrics.
func (m *Metrics) TerminalCreated() {
	m.TerminalsCreated.Inc()
	m.mu.Lock()
	m.snapshot.TerminalsCreated++
	m.mu.Unlock()
}

// TerminalSpawnFailed implements terminal.Metrics.
func (m *Metrics) TerminalSpawnFailed() {
	m.SpawnFailures.Inc()
	m.mu.Lock()
	m.snapshot.SpawnFailures++
	m.mu.Unlock()
}

// TerminalRemoved implements terminal.Metrics.
func (m *Metrics) TerminalRemoved(reason string) {
	m.TerminalsRemoved.WithLabelValues(reason).Inc()
}

// SetTerminalsActive implements terminal.Metrics.
func (m *Metrics) SetTerminalsActive(terminals, sessions int) {
	m.TerminalsActive.Set(float64(terminals))
	m.SessionsActive.Set(float64(sessions))
	m.mu.Lock()
	m.snapshot.ActiveTerminals = int64(terminals)
	m.snapshot.ActiveSessions = int64(sessions)
	m.mu.Unlock()
}

// SetSpawnGuardOpen records whether spawning is suspended.
func (m *Metrics) SetSpawnGuardOpen(open bool) {
	if open {
		m.SpawnGuardOpen.Set(1)
		return
	}
	m.SpawnGuardOpen.Set(0)
}

// RecordWSMessage implements bridge.Metrics.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// OutboundDropped implements bridge.Metrics.
func (m *Metrics) OutboundDropped() {
	m.WSOutboundDropped.Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// RecordLogin counts a login attempt; result is "success", "failure" or "limited".
func (m *Metrics) RecordLogin(result string) {
	m.LoginAttempts.WithLabelValues(result).Inc()
}

// SetLoginSessions sets the number of stored login sessions.
func (m *Metrics) SetLoginSessions(n int) {
	m.LoginSessionsActive.Set(float64(n))
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	if s.TotalRequests > 0 {
		s.AvgRequestSeconds = s.totalDuration / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
