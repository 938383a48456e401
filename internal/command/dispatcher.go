// Package command turns inbound pump command messages into exactly one
// controller operation.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/fisaks/fieldnode/internal/util"
	lru "github.com/hashicorp/golang-lru"
)

const (
	ActionOn  = "on"
	ActionOff = "off"
	ActionRun = "run"
)

var Actions = []string{ActionOn, ActionOff, ActionRun}

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownAction    = errors.New("unknown command action")
	ErrDuplicateCommand = errors.New("duplicate command")
)

// Command is the inbound wire form. Seconds stays loosely typed so a quoted
// or otherwise non-numeric value can be turned into an invalid duration.
type Command struct {
	ID      string `json:"id,omitempty"`
	Action  string `json:"action"`
	Seconds any    `json:"seconds,omitempty"`
}

type Pump interface {
	TurnOn() error
	TurnOff() error
	RunFor(seconds float64) error
}

// Recorder receives one outcome per dispatched message.
type Recorder interface {
	CommandHandled(action, result string)
}

type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

// WithDedupWindow sets how many recent command ids are remembered.
func WithDedupWindow(n int) Option { return func(d *Dispatcher) { d.window = n } }

type Dispatcher struct {
	pump     Pump
	seen     *lru.Cache
	window   int
	recorder Recorder
}

func NewDispatcher(p Pump, opts ...Option) *Dispatcher {
	d := &Dispatcher{pump: p, window: 128}
	for _, o := range opts {
		o(d)
	}
	if d.window > 0 {
		cache, err := lru.New(d.window)
		if err != nil {
			logging.Warn("command dedup disabled", "error", err)
		} else {
			d.seen = cache
		}
	}
	return d
}

// Dispatch decodes payload and applies it. Errors are for logging only; the
// dispatcher never panics on bad input.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("command dispatch panic", "panic", r)
			err = fmt.Errorf("%w: dispatch panic: %v", ErrMalformedCommand, r)
			d.record("", "panic")
		}
	}()

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logging.Warn("cmd json", "error", err)
		d.record("", "malformed")
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return d.Execute(cmd)
}

func (d *Dispatcher) Execute(cmd Command) error {
	action := strings.ToLower(strings.TrimSpace(cmd.Action))

	if cmd.ID != "" && d.seen != nil {
		if found, _ := d.seen.ContainsOrAdd(cmd.ID, struct{}{}); found {
			logging.Info("Duplicate command dropped", "id", cmd.ID, "action", action)
			d.record(action, "duplicate")
			return ErrDuplicateCommand
		}
	}

	logging.Debug("Received pump command", "id", cmd.ID, "action", action, "seconds", cmd.Seconds)

	var err error
	switch action {
	case ActionOn:
		err = d.pump.TurnOn()
	case ActionOff:
		err = d.pump.TurnOff()
	case ActionRun:
		err = d.pump.RunFor(seconds(cmd.Seconds))
	default:
		logging.Warn("Unknown command action", "action", cmd.Action, "id", cmd.ID)
		d.record("unknown", "unknown")
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}

	if err != nil {
		d.record(action, resultFor(err))
		return fmt.Errorf("%s: %w", action, err)
	}
	d.record(action, "ok")
	return nil
}

// seconds maps an absent value to 0 and anything but a JSON number to NaN,
// both of which the controller rejects.
func seconds(v any) float64 {
	switch v.(type) {
	case nil:
		return 0
	case string:
		return math.NaN()
	}
	f, ok := util.ToFloat64(v)
	if !ok {
		return math.NaN()
	}
	return f
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, pump.ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, pump.ErrRunInProgress):
		return "busy"
	case errors.Is(err, pump.ErrNotInitialized):
		return "not_initialized"
	default:
		return "error"
	}
}

func (d *Dispatcher) record(action, result string) {
	if d.recorder != nil {
		d.recorder.CommandHandled(action, result)
	}
}
