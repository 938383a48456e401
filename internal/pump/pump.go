// Package pump owns the water pump output: its state machine, the safety
// limit on timed runs and the single write path to the hardware.
package pump

import (
	"context"
	"errors"
	"time"
)

type State int

const (
	Uninitialized State = iota
	Idle
	Running
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// MaxRunSeconds is the default upper bound for a timed run.
const MaxRunSeconds = 300

var (
	ErrNotInitialized  = errors.New("pump controller not initialized")
	ErrInvalidDuration = errors.New("invalid run duration")
	ErrRunInProgress   = errors.New("timed run already in progress")
)

// Hardware drives the physical output. SetLevel(true) energizes the pump.
type Hardware interface {
	Initialize() error
	SetLevel(active bool) error
	Release() error
}

type RunInfo struct {
	ID       string
	Duration time.Duration
	Started  time.Time
}

type Status struct {
	State           State
	Active          bool
	HardwarePresent bool
	Run             *RunInfo
}

// Listener is told about every state change. It runs outside the
// controller lock and must not block.
type Listener func(Status)

// RunHook reports a finished timed run: how long it actually ran and
// whether it ended early.
type RunHook func(run RunInfo, ran time.Duration, cancelled bool)

type Option func(*Controller)

func WithMaxRun(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxRun = d
		}
	}
}

func WithListener(fn Listener) Option { return func(c *Controller) { c.listener = fn } }

func WithRunHook(fn RunHook) Option { return func(c *Controller) { c.runHook = fn } }

// WithWaiter replaces the timer used by timed runs.
func WithWaiter(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.wait = fn }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
