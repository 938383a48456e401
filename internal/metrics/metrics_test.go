package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestRecorders checks each hook lands on its collector.
func TestRecorders(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommandHandled("run", "ok")
	m.CommandHandled("run", "ok")
	m.CommandHandled("", "malformed")
	m.ProbeRead("soil-sensor-001", false)
	m.Published("telemetry", nil)
	m.Published("telemetry", errors.New("timeout"))
	m.RunFinished(pump.RunInfo{}, 42*time.Second, false)

	require.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("run", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("none", "malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.probeReads.WithLabelValues("soil-sensor-001", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("telemetry", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("telemetry", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(m.runs))
}

// TestPumpGaugeFollowsLiveStatus reads the controller at collection time,
// so out-of-order status notifications cannot leave it stale.
func TestPumpGaugeFollowsLiveStatus(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	var mu sync.Mutex
	current := pump.Status{State: pump.Running, Active: true}
	m.TrackPump(func() pump.Status {
		mu.Lock()
		defer mu.Unlock()
		return current
	})
	require.Equal(t, 1.0, testutil.ToFloat64(m.pumpActive))

	mu.Lock()
	current = pump.Status{State: pump.Idle}
	mu.Unlock()
	require.Equal(t, 0.0, testutil.ToFloat64(m.pumpActive))

	mu.Lock()
	current = pump.Status{State: pump.Running, Active: true}
	mu.Unlock()
	require.Equal(t, 1.0, testutil.ToFloat64(m.pumpActive))
}

// TestHandlerEndpoints drives /metrics, /healthz and /read.
func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CommandHandled("on", "ok")

	reads := 0
	h := NewHandler(reg, Probes{
		NodeID:    "n1",
		Connected: func() bool { return true },
		PumpStatus: func() pump.Status {
			return pump.Status{
				State:           pump.Running,
				Active:          true,
				HardwarePresent: true,
				Run:             &pump.RunInfo{ID: "r1", Duration: time.Minute, Started: time.Now()},
			}
		},
		RequestRead: func() bool { reads++; return true },
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `fieldnode_commands_total{action="on",result="ok"} 1`)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var st healthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, "ok", st.Status)
	require.Equal(t, "running", st.PumpState)
	require.Equal(t, "r1", st.RunID)
	require.InDelta(t, 60, st.RunRemainingSec, 1)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/read", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/read", strings.NewReader("")))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, 1, reads)
}

// TestHealthDown reports 503 while the broker is unreachable.
func TestHealthDown(t *testing.T) {
	t.Parallel()

	h := NewHandler(prometheus.NewRegistry(), Probes{
		NodeID:     "n1",
		Connected:  func() bool { return false },
		PumpStatus: func() pump.Status { return pump.Status{State: pump.Idle} },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"down"`)
}
