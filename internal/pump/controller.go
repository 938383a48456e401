package pump

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/google/uuid"
)

const cleanupWait = 2 * time.Second

type runTask struct {
	id       uuid.UUID
	duration time.Duration
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *runTask) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *runTask) info() RunInfo {
	return RunInfo{ID: r.id.String(), Duration: r.duration, Started: r.started}
}

// Controller serializes every hardware write behind mu. The run handle is
// part of the guarded state: a run is in progress while c.run is set and
// its done channel is open.
type Controller struct {
	mu              sync.Mutex
	hw              Hardware
	hardwarePresent bool
	state           State
	active          bool
	run             *runTask

	maxRun   time.Duration
	wait     func(ctx context.Context, d time.Duration) error
	listener Listener
	runHook  RunHook
}

// NewController accepts a nil Hardware; the controller then runs degraded.
func NewController(hw Hardware, opts ...Option) *Controller {
	c := &Controller{
		hw:     hw,
		state:  Uninitialized,
		maxRun: MaxRunSeconds * time.Second,
		wait:   sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initialize brings the output up inactive and moves to Idle. A missing or
// failing backend leaves the controller in degraded mode, where commands are
// accepted and logged but nothing is written.
func (c *Controller) Initialize() {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return
	}
	switch {
	case c.hw == nil:
		logging.Warn("pump hardware not configured, running degraded")
	default:
		if err := safeCall(c.hw.Initialize); err != nil {
			logging.Warn("pump hardware unavailable, running degraded", "error", err)
			break
		}
		c.hardwarePresent = true
		if err := safeCall(func() error { return c.hw.SetLevel(false) }); err != nil {
			logging.Warn("pump initial off write failed", "error", err)
		}
	}
	c.state = Idle
	c.active = false
	st := c.statusLocked()
	c.mu.Unlock()

	logging.Info("pump controller ready", "hardwarePresent", st.HardwarePresent, "maxRun", c.maxRun)
	c.notify(st)
}

func (c *Controller) TurnOn() error {
	return c.switchTo(true)
}

// TurnOff also cancels a timed run in progress.
func (c *Controller) TurnOff() error {
	return c.switchTo(false)
}

func (c *Controller) switchTo(active bool) error {
	c.mu.Lock()
	if c.state == Uninitialized {
		c.mu.Unlock()
		logging.Warn("pump command before initialize", "active", active)
		return ErrNotInitialized
	}
	if !active && c.run != nil {
		logging.Info("pump run cancelled by off", "run", c.run.id)
		c.run.cancel()
		c.run = nil
	}
	err := c.setLevelLocked(active)
	st := c.statusLocked()
	c.mu.Unlock()

	if err != nil {
		logging.Error("pump write failed", "active", active, "error", err)
		return err
	}
	c.notify(st)
	return nil
}

// RunFor turns the pump on for seconds, clamped to the safety limit, and
// returns without waiting. Only one timed run may exist at a time.
func (c *Controller) RunFor(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		logging.Warn("pump run rejected", "seconds", seconds, "reason", "invalid")
		return fmt.Errorf("%w: %v", ErrInvalidDuration, seconds)
	}
	d := time.Duration(math.Min(seconds, c.maxRun.Seconds()) * float64(time.Second))
	if d <= 0 {
		logging.Warn("pump run rejected", "seconds", seconds, "reason", "zero duration")
		return fmt.Errorf("%w: %v", ErrInvalidDuration, seconds)
	}
	if seconds > c.maxRun.Seconds() {
		logging.Info("pump run clamped", "requested", seconds, "limit", c.maxRun.Seconds())
	}

	c.mu.Lock()
	if c.state == Uninitialized {
		c.mu.Unlock()
		logging.Warn("pump run before initialize", "seconds", seconds)
		return ErrNotInitialized
	}
	if c.run != nil && c.run.alive() {
		current := c.run.id
		c.mu.Unlock()
		logging.Warn("pump run rejected", "seconds", seconds, "reason", "in progress", "current", current)
		return ErrRunInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &runTask{
		id:       uuid.New(),
		duration: d,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.run = run
	c.mu.Unlock()

	go c.runWorker(ctx, run)
	return nil
}

func (c *Controller) runWorker(ctx context.Context, run *runTask) {
	defer close(run.done)
	var ran time.Time
	defer func() {
		if r := recover(); r != nil {
			logging.Error("pump run panic", "run", run.id, "panic", r)
		}
		cancelled := ctx.Err() != nil
		c.finishRun(run)
		if c.runHook != nil && !ran.IsZero() {
			c.runHook(run.info(), time.Since(ran), cancelled)
		}
	}()

	started, err := c.startRun(run)
	if err != nil {
		logging.Error("pump run start failed", "run", run.id, "error", err)
		return
	}
	if !started {
		return
	}
	ran = time.Now()
	logging.Info("pump run started", "run", run.id, "seconds", run.duration.Seconds())

	if err := c.wait(ctx, run.duration); err != nil {
		logging.Info("pump run ended early", "run", run.id, "after", time.Since(ran).Round(time.Millisecond), "reason", err)
		return
	}
	logging.Info("pump run completed", "run", run.id)
}

// startRun performs the on-write unless the run was cancelled before the
// worker got scheduled.
func (c *Controller) startRun(run *runTask) (bool, error) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return false, nil
	}
	err := c.setLevelLocked(true)
	st := c.statusLocked()
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	c.notify(st)
	return true, nil
}

// finishRun switches off only while run is still the current handle. A run
// cancelled by TurnOff or Cleanup has already been switched off, and a newer
// run must not be touched.
func (c *Controller) finishRun(run *runTask) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	c.run = nil
	run.cancel()
	err := c.setLevelLocked(false)
	st := c.statusLocked()
	c.mu.Unlock()

	if err != nil {
		logging.Error("pump off write failed", "run", run.id, "error", err)
		return
	}
	c.notify(st)
}

// Cleanup cancels any run, switches the output off and releases the
// hardware. It is safe to call at any time and more than once.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	run := c.run
	if run != nil {
		run.cancel()
		c.run = nil
	}
	if c.hw != nil && c.hardwarePresent {
		if err := safeCall(func() error { return c.hw.SetLevel(false) }); err != nil {
			logging.Warn("pump cleanup off write failed", "error", err)
		}
		if err := safeCall(c.hw.Release); err != nil {
			logging.Warn("pump hardware release failed", "error", err)
		}
	}
	c.hw = nil
	c.hardwarePresent = false
	c.active = false
	if c.state != Uninitialized {
		c.state = Idle
	}
	st := c.statusLocked()
	c.mu.Unlock()

	if run != nil {
		select {
		case <-run.done:
		case <-time.After(cleanupWait):
			logging.Warn("pump run worker did not exit", "run", run.id)
		}
	}
	logging.Info("pump controller cleaned up")
	c.notify(st)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) HardwarePresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardwarePresent
}

func (c *Controller) MaxRun() time.Duration { return c.maxRun }

// setLevelLocked is the only place the output level changes.
func (c *Controller) setLevelLocked(active bool) error {
	if c.hardwarePresent {
		if err := safeCall(func() error { return c.hw.SetLevel(active) }); err != nil {
			return fmt.Errorf("set pump level %v: %w", active, err)
		}
	} else {
		logging.Info("pump degraded, hardware write skipped", "active", active)
	}
	c.active = active
	if active {
		c.state = Running
	} else {
		c.state = Idle
	}
	return nil
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state, Active: c.active, HardwarePresent: c.hardwarePresent}
	if c.run != nil {
		info := c.run.info()
		st.Run = &info
	}
	return st
}

func (c *Controller) notify(st Status) {
	if c.listener != nil {
		c.listener(st)
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hardware panic: %v", r)
		}
	}()
	return fn()
}
