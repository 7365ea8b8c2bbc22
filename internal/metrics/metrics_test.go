package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stealth-dispatcher/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorsAreIndependent(t *testing.T) {
	t.Parallel()

	a := NewCollector("stealthd")
	b := NewCollector("stealthd")

	a.RecordAttempt(types.AttemptRecord{Outcome: "failed", FailureKind: types.FailureProxyConnection, Latency: time.Second})
	a.RecordAttempt(types.AttemptRecord{Outcome: "succeeded", Latency: 200 * time.Millisecond})

	assert.Contains(t, scrape(t, a), `stealthd_attempts_total{failure_kind="proxy_connection",outcome="failed"} 1`)
	assert.NotContains(t, scrape(t, b), `stealthd_attempts_total{`)
}

func TestProxyStateGauges(t *testing.T) {
	t.Parallel()

	c := NewCollector("stealthd")
	c.SetProxyStates(map[types.EndpointState]int{
		types.StateHealthy:  2,
		types.StateDegraded: 1,
		types.StateBanned:   0,
	})
	c.RecordTransition(types.StateHealthy, types.StateDegraded)

	body := scrape(t, c)
	assert.Contains(t, body, `stealthd_proxy_endpoints{state="healthy"} 2`)
	assert.Contains(t, body, `stealthd_proxy_endpoints{state="banned"} 0`)
	assert.Contains(t, body, `stealthd_proxy_transitions_total{from="healthy",to="degraded"} 1`)
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRequest("succeeded")
		c.RecordProbe(true, 0.1)
		c.SetSchedulerStats(types.SchedulerStats{WindowCount: 3})
	})
}

func TestSchedulerGauges(t *testing.T) {
	t.Parallel()

	c := NewCollector("stealthd")
	c.RecordRequest("succeeded")
	c.SetSchedulerStats(types.SchedulerStats{WindowCount: 7, SessionRequests: 3, SessionsRotated: 1})

	body := scrape(t, c)
	assert.Contains(t, body, `stealthd_requests_total{result="succeeded"} 1`)
	assert.Contains(t, body, `stealthd_scheduler_window_requests 7`)
	assert.Contains(t, body, `stealthd_scheduler_sessions_rotated 1`)
}
