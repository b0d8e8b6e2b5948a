package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webshell/internal/bridge"
	"github.com/GriffinCanCode/webshell/internal/terminal"
)

var (
	_ terminal.Metrics = (*Metrics)(nil)
	_ bridge.Metrics   = (*Metrics)(nil)
)

func TestTerminalMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TerminalCreated()
	m.TerminalCreated()
	m.TerminalSpawnFailed()
	m.TerminalRemoved(terminal.ReasonExited)
	m.SetTerminalsActive(1, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TerminalsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TerminalsRemoved.WithLabelValues(terminal.ReasonExited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TerminalsActive))

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.TerminalsCreated)
	assert.EqualValues(t, 1, snap.SpawnFailures)
	assert.EqualValues(t, 1, snap.ActiveTerminals)
	assert.EqualValues(t, 1, snap.ActiveSessions)
}

func TestWSMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()
	m.RecordWSMessage("in", "input")
	m.OutboundDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSMessages.WithLabelValues("in", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSOutboundDropped))
	assert.EqualValues(t, 1, m.Snapshot().ActiveConnections)
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/api/file/*path", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/api/file/a.txt", "/api/file/b.txt", "/missing"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/file/*path", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.TotalRequests)
	assert.EqualValues(t, 1, snap.TotalErrors)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "webshell_uptime_seconds")
}
