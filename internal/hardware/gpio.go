package hardware

import (
	"errors"
	"sync"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/logging"
	gpiod "github.com/warthog618/go-gpiocdev"
)

const consumer = "fieldnode-pump"

type outputLine interface {
	SetValue(value int) error
	Close() error
}

type lineRequester func(chip string, offset int, activeLow bool) (outputLine, error)

func requestCdevLine(chip string, offset int, activeLow bool) (outputLine, error) {
	opts := []gpiod.LineReqOption{gpiod.AsOutput(0), gpiod.WithConsumer(consumer)}
	if activeLow {
		opts = append(opts, gpiod.AsActiveLow)
	}
	return gpiod.RequestLine(chip, offset, opts...)
}

// GPIOLine drives the pump relay from a character-device GPIO line.
type GPIOLine struct {
	cfg     config.GPIOConfig
	request lineRequester

	mu   sync.Mutex
	line outputLine
}

func NewGPIOLine(cfg config.GPIOConfig) *GPIOLine {
	return &GPIOLine{cfg: cfg, request: requestCdevLine}
}

func (g *GPIOLine) Initialize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line != nil {
		return nil
	}
	line, err := g.request(g.cfg.Chip, g.cfg.Line, g.cfg.ActiveLow)
	if err != nil {
		return err
	}
	g.line = line
	logging.Info("pump gpio line requested", "chip", g.cfg.Chip, "line", g.cfg.Line, "activeLow", g.cfg.ActiveLow)
	return nil
}

func (g *GPIOLine) SetLevel(active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line == nil {
		return errors.New("gpio line not requested")
	}
	v := 0
	if active {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *GPIOLine) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line == nil {
		return nil
	}
	err := errors.Join(g.line.SetValue(0), g.line.Close())
	g.line = nil
	return err
}
