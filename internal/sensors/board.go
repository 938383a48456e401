package sensors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fisaks/fieldnode/internal/logging"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"
)

type i2cKey struct {
	bus     int
	address int
}

// Board owns the Raspberry Pi I2C adaptor and the drivers started on it.
// Drivers are created on first use and every transfer is serialized.
type Board struct {
	mu        sync.Mutex
	adaptor   *raspi.Adaptor
	connected bool
	adcs      map[i2cKey]*i2c.ADS1x15Driver
	lights    map[i2cKey]*i2c.BH1750Driver
}

func NewBoard() *Board {
	return &Board{
		adaptor: raspi.NewAdaptor(),
		adcs:    make(map[i2cKey]*i2c.ADS1x15Driver),
		lights:  make(map[i2cKey]*i2c.BH1750Driver),
	}
}

func (b *Board) connectLocked() error {
	if b.connected {
		return nil
	}
	if err := b.adaptor.Connect(); err != nil {
		return fmt.Errorf("raspi adaptor: %w", err)
	}
	b.connected = true
	logging.Info("i2c board connected", "adaptor", b.adaptor.Name())
	return nil
}

func (b *Board) ReadVoltage(bus, address, channel int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return 0, err
	}
	key := i2cKey{bus, address}
	adc, ok := b.adcs[key]
	if !ok {
		adc = i2c.NewADS1115Driver(b.adaptor, i2c.WithBus(bus), i2c.WithAddress(address))
		if err := adc.Start(); err != nil {
			return 0, fmt.Errorf("ads1115 0x%02x: %w", address, err)
		}
		b.adcs[key] = adc
	}
	return adc.ReadWithDefaults(channel)
}

func (b *Board) ReadLux(bus, address int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return 0, err
	}
	key := i2cKey{bus, address}
	light, ok := b.lights[key]
	if !ok {
		light = i2c.NewBH1750Driver(b.adaptor, i2c.WithBus(bus), i2c.WithAddress(address))
		if err := light.Start(); err != nil {
			return 0, fmt.Errorf("bh1750 0x%02x: %w", address, err)
		}
		b.lights[key] = light
	}
	lux, err := light.Lux()
	if err != nil {
		return 0, err
	}
	return float64(lux), nil
}

// Close halts every started driver and releases the adaptor.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, d := range b.adcs {
		errs = append(errs, d.Halt())
	}
	for _, d := range b.lights {
		errs = append(errs, d.Halt())
	}
	b.adcs = make(map[i2cKey]*i2c.ADS1x15Driver)
	b.lights = make(map[i2cKey]*i2c.BH1750Driver)
	if b.connected {
		errs = append(errs, b.adaptor.Finalize())
		b.connected = false
	}
	return errors.Join(errs...)
}
