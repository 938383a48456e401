package poller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/fieldnode/internal/node"
	"github.com/fisaks/fieldnode/internal/sensors"
	"github.com/stretchr/testify/require"
)

// scriptedProbe returns its errors in order, then value.
type scriptedProbe struct {
	typ, id string
	value   float64
	errs    []error
	block   bool

	mu    sync.Mutex
	calls int
}

func (p *scriptedProbe) Type() string { return p.typ }
func (p *scriptedProbe) ID() string   { return p.id }

func (p *scriptedProbe) Read(ctx context.Context) (float64, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if n <= len(p.errs) {
		return 0, p.errs[n-1]
	}
	return p.value, nil
}

type probeRecorder struct {
	mu sync.Mutex
	ok map[string]bool
}

func (r *probeRecorder) ProbeRead(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ok == nil {
		r.ok = map[string]bool{}
	}
	r.ok[id] = ok
}

// TestSnapshotKeepsOrderAndNullsFailures reports every probe in order.
func TestSnapshotKeepsOrderAndNullsFailures(t *testing.T) {
	t.Parallel()

	rec := &probeRecorder{}
	temp := &scriptedProbe{typ: "temperature", id: "temp-sensor-001", value: 21.5}
	soil := &scriptedProbe{typ: "moisture", id: "soil-sensor-001", errs: []error{errors.New("nack"), errors.New("nack"), errors.New("nack")}}
	light := &scriptedProbe{typ: "light", id: "light-sensor-001", value: 250}

	a := NewAggregator([]sensors.Probe{temp, soil, light},
		WithRetries(1), WithRetryInterval(time.Millisecond), WithRecorder(rec))
	snap := a.Snapshot(context.Background())

	require.Len(t, snap.Readings, 3)
	require.Equal(t, "temp-sensor-001", snap.Readings[0].ID)
	require.Equal(t, 21.5, *snap.Readings[0].Value)
	require.Equal(t, "soil-sensor-001", snap.Readings[1].ID)
	require.Nil(t, snap.Readings[1].Value)
	require.Equal(t, 250.0, *snap.Readings[2].Value)
	require.Equal(t, 2, soil.calls)
	require.Equal(t, map[string]bool{"temp-sensor-001": true, "soil-sensor-001": false, "light-sensor-001": true}, rec.ok)
}

// TestSnapshotNullsNonFiniteValues keeps one broken probe from making the
// whole telemetry message unencodable.
func TestSnapshotNullsNonFiniteValues(t *testing.T) {
	t.Parallel()

	rec := &probeRecorder{}
	good := &scriptedProbe{typ: "temperature", id: "temp-sensor-001", value: 12.5}
	nan := &scriptedProbe{typ: "moisture", id: "soil-sensor-001", value: math.NaN()}
	inf := &scriptedProbe{typ: "light", id: "light-sensor-001", value: math.Inf(1)}

	a := NewAggregator([]sensors.Probe{good, nan, inf},
		WithRetries(1), WithRetryInterval(time.Millisecond), WithRecorder(rec))
	snap := a.Snapshot(context.Background())

	require.Equal(t, 12.5, *snap.Readings[0].Value)
	require.Nil(t, snap.Readings[1].Value)
	require.Nil(t, snap.Readings[2].Value)
	require.Equal(t, 2, nan.calls)
	require.Equal(t, map[string]bool{"temp-sensor-001": true, "soil-sensor-001": false, "light-sensor-001": false}, rec.ok)

	out, err := json.Marshal(snap.Message(node.NewIdentity("n1")))
	require.NoError(t, err)
	require.JSONEq(t, `{"device_uid":"n1","sensors":[
		{"type":"temperature","id":"temp-sensor-001","value":12.5},
		{"type":"moisture","id":"soil-sensor-001","value":null},
		{"type":"light","id":"light-sensor-001","value":null}]}`, string(out))
}

// TestSnapshotRetriesTransientFailures recovers within the retry budget.
func TestSnapshotRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	p := &scriptedProbe{typ: "moisture", id: "s", value: 40, errs: []error{errors.New("busy")}}
	a := NewAggregator([]sensors.Probe{p}, WithRetries(2), WithRetryInterval(time.Millisecond))
	snap := a.Snapshot(context.Background())
	require.NotNil(t, snap.Readings[0].Value)
	require.Equal(t, 40.0, *snap.Readings[0].Value)
	require.Equal(t, 2, p.calls)
}

// TestSnapshotBoundsSlowProbes gives up on a wedged probe after the timeout.
func TestSnapshotBoundsSlowProbes(t *testing.T) {
	t.Parallel()

	slow := &scriptedProbe{typ: "light", id: "slow", block: true}
	fast := &scriptedProbe{typ: "temperature", id: "fast", value: 1}
	a := NewAggregator([]sensors.Probe{slow, fast}, WithProbeTimeout(30*time.Millisecond), WithRetries(3))

	start := time.Now()
	snap := a.Snapshot(context.Background())
	require.Less(t, time.Since(start), time.Second)
	require.Nil(t, snap.Readings[0].Value)
	require.Equal(t, 1.0, *snap.Readings[1].Value)
}

func TestSnapshotWithoutProbes(t *testing.T) {
	t.Parallel()

	snap := NewAggregator(nil).Snapshot(context.Background())
	require.Empty(t, snap.Readings)
	require.False(t, snap.TakenAt.IsZero())
}

func TestSignalDoesNotBlock(t *testing.T) {
	t.Parallel()

	ch := make(chan ZeroSignal, 1)
	require.True(t, Signal(ch))
	require.False(t, Signal(ch))
	<-ch
	require.True(t, Signal(ch))
}
