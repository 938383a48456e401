package hardware

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/modbus"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

type fakeLine struct {
	values []int
	closed bool
}

func (f *fakeLine) SetValue(v int) error {
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

// TestGPIOLineLifecycle requests, drives and releases the line.
func TestGPIOLineLifecycle(t *testing.T) {
	t.Parallel()

	line := &fakeLine{}
	var gotChip string
	var gotOffset int
	g := NewGPIOLine(config.GPIOConfig{Chip: "gpiochip0", Line: 17, ActiveLow: true})
	g.request = func(chip string, offset int, activeLow bool) (outputLine, error) {
		gotChip, gotOffset = chip, offset
		require.True(t, activeLow)
		return line, nil
	}

	require.Error(t, g.SetLevel(true))
	require.NoError(t, g.Initialize())
	require.Equal(t, "gpiochip0", gotChip)
	require.Equal(t, 17, gotOffset)

	require.NoError(t, g.SetLevel(true))
	require.NoError(t, g.SetLevel(false))
	require.NoError(t, g.Release())
	require.Equal(t, []int{1, 0, 0}, line.values)
	require.True(t, line.closed)
	require.NoError(t, g.Release())
}

func TestGPIOLineRequestFailure(t *testing.T) {
	t.Parallel()

	g := NewGPIOLine(config.GPIOConfig{Chip: "gpiochip9", Line: 17})
	g.request = func(string, int, bool) (outputLine, error) {
		return nil, errors.New("no such chip")
	}
	require.ErrorContains(t, g.Initialize(), "no such chip")
}

func TestNewPumpOutput(t *testing.T) {
	t.Parallel()

	hw, err := NewPumpOutput(config.PumpConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	require.Nil(t, hw)

	hw, err = NewPumpOutput(config.PumpConfig{Backend: "gpio"}, nil)
	require.NoError(t, err)
	require.IsType(t, &GPIOLine{}, hw)

	_, err = NewPumpOutput(config.PumpConfig{Backend: "modbus"}, nil)
	require.Error(t, err)

	_, err = NewPumpOutput(config.PumpConfig{Backend: "servo"}, nil)
	require.Error(t, err)
}

// TestRelayCoilAgainstSlave drives a relay coil on an in-process slave.
func TestRelayCoilAgainstSlave(t *testing.T) {
	srv := mbserver.NewServer()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	require.NoError(t, srv.ListenTCP(addr))
	t.Cleanup(srv.Close)

	bus := modbus.NewTCPBusClient(&config.BusConfig{BusId: "relay", Type: "tcp", TCPAddr: addr, TimeoutMs: 500})
	t.Cleanup(func() { _ = bus.Close() })

	relay := NewRelayCoil(bus, config.RelayConfig{UnitId: 1, Coil: 2})
	require.NoError(t, relay.Initialize())
	require.NoError(t, relay.SetLevel(true))

	on, err := bus.ReadCoil(context.Background(), 1, 2)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, relay.Release())
	on, err = bus.ReadCoil(context.Background(), 1, 2)
	require.NoError(t, err)
	require.False(t, on)
}
