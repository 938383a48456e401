package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/node"
	"github.com/fisaks/fieldnode/internal/sensors"
)

// Aggregator reads every probe in order and never fails as a whole: a probe
// that errors or runs out of time is reported with a nil value.
type Aggregator struct {
	probes   []sensors.Probe
	timeout  time.Duration
	retries  int
	recorder Recorder
	// first retry delay; doubles per attempt
	retryInterval time.Duration
}

// ErrNonFinite marks a probe that produced NaN or an infinity; JSON has no
// encoding for either.
var ErrNonFinite = errors.New("non-finite sensor value")

type Option func(*Aggregator)

func WithProbeTimeout(d time.Duration) Option { return func(a *Aggregator) { a.timeout = d } }
func WithRetries(n int) Option                { return func(a *Aggregator) { a.retries = n } }
func WithRecorder(r Recorder) Option          { return func(a *Aggregator) { a.recorder = r } }
func WithRetryInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.retryInterval = d }
}

func NewAggregator(probes []sensors.Probe, opts ...Option) *Aggregator {
	a := &Aggregator{
		probes:        probes,
		timeout:       2 * time.Second,
		retryInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) Snapshot(ctx context.Context) node.SensorSnapshot {
	snap := node.SensorSnapshot{
		Readings: make([]node.SensorReading, 0, len(a.probes)),
		TakenAt:  time.Now(),
	}
	for _, p := range a.probes {
		snap.Readings = append(snap.Readings, node.SensorReading{
			Type:  p.Type(),
			ID:    p.ID(),
			Value: a.readProbe(ctx, p),
		})
	}
	return snap
}

func (a *Aggregator) readProbe(ctx context.Context, p sensors.Probe) *float64 {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval
	bo.MaxElapsedTime = 0 // bounded by probeCtx and the retry count

	var value float64
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := readWithin(probeCtx, p)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrNonFinite, v)
		}
		value = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.retries)), probeCtx),
		func(err error, wait time.Duration) {
			logging.Debug("sensor read retry", "sensor", p.ID(), "attempt", attempt, "wait", wait, "error", err)
		})

	if a.recorder != nil {
		a.recorder.ProbeRead(p.ID(), err == nil)
	}
	if err != nil {
		logging.Warn("sensor read failed", "sensor", p.ID(), "type", p.Type(), "attempts", attempt, "error", err)
		return nil
	}
	return &value
}

// readWithin runs the read on its own goroutine so a wedged driver cannot
// hold the cycle past ctx.
func readWithin(ctx context.Context, p sensors.Probe) (float64, error) {
	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := p.Read(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
