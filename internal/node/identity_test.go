package node

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const cpuinfo = `processor	: 0
model name	: ARMv7 Processor rev 4 (v7l)
Hardware	: BCM2835
Revision	: a02082
Serial		: 00000000c0ffee42
Model		: Raspberry Pi 3 Model B Rev 1.2
`

func writeCPUInfo(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestResolveIdentityOrder walks config, cpuinfo serial, then the fallback.
func TestResolveIdentityOrder(t *testing.T) {
	t.Parallel()

	path := writeCPUInfo(t, cpuinfo)

	id, err := ResolveIdentity("greenhouse-1", path)
	require.NoError(t, err)
	require.Equal(t, "greenhouse-1", id.String())
	require.Equal(t, "config", id.Source())

	id, err = ResolveIdentity("", path)
	require.NoError(t, err)
	require.Equal(t, "c0ffee42", id.String())
	require.Equal(t, "cpuinfo", id.Source())

	id, err = ResolveIdentity("", writeCPUInfo(t, "processor : 0\n"))
	require.NoError(t, err)
	require.Equal(t, FallbackID, id.String())
	require.Equal(t, "default", id.Source())
}

// TestResolveIdentityRejectsTopicCharacters keeps two misconfigured nodes
// from collapsing onto the same fallback id.
func TestResolveIdentityRejectsTopicCharacters(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing")
	for _, bad := range []string{"farm/a", "farm/b", "pump+", "#"} {
		_, err := ResolveIdentity(bad, missing)
		require.ErrorIs(t, err, ErrInvalidID, bad)
	}

	id, err := ResolveIdentity("  farm-a  ", missing)
	require.NoError(t, err)
	require.Equal(t, "farm-a", id.String())
}

// TestTopicsShareIdentity checks both directions are built from one id.
func TestTopicsShareIdentity(t *testing.T) {
	t.Parallel()

	topics := TopicsFor(NewIdentity("n1"))
	require.Equal(t, "pump/n1", topics.Command)
	require.Equal(t, "sensors/n1/data", topics.Telemetry)
	require.Equal(t, "pump/n1/state", topics.PumpState)
	require.Equal(t, "sensors/n1/status", topics.Status)
}

// TestTelemetryMessageShape keeps failed reads as JSON null.
func TestTelemetryMessageShape(t *testing.T) {
	t.Parallel()

	v := 21.5
	snap := SensorSnapshot{Readings: []SensorReading{
		{Type: "temperature", ID: "temp-sensor-001", Value: &v},
		{Type: "light", ID: "light-sensor-001"},
	}}
	data, err := json.Marshal(snap.Message(NewIdentity("n1")))
	require.NoError(t, err)
	require.JSONEq(t, `{"device_uid":"n1","sensors":[
		{"type":"temperature","id":"temp-sensor-001","value":21.5},
		{"type":"light","id":"light-sensor-001","value":null}]}`, string(data))

	data, err = json.Marshal(SensorSnapshot{}.Message(NewIdentity("n1")))
	require.NoError(t, err)
	require.JSONEq(t, `{"device_uid":"n1","sensors":[]}`, string(data))
}

func TestPumpStateSameAsIgnoresTimestamp(t *testing.T) {
	t.Parallel()

	a := PumpStateMessage{DeviceUID: "n1", State: "idle", Timestamp: time.Now()}
	b := a
	b.Timestamp = a.Timestamp.Add(time.Minute)
	require.True(t, a.SameAs(b))
	b.Active = true
	require.False(t, a.SameAs(b))
}
