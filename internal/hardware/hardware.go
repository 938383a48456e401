// Package hardware provides the pump output backends.
package hardware

import (
	"fmt"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/modbus"
	"github.com/fisaks/fieldnode/internal/pump"
)

// NewPumpOutput picks the backend named in cfg. It returns nil for "none",
// which leaves the controller in degraded mode.
func NewPumpOutput(cfg config.PumpConfig, bus *modbus.BusClient) (pump.Hardware, error) {
	switch cfg.Backend {
	case "gpio":
		return NewGPIOLine(cfg.GPIO), nil
	case "modbus":
		if bus == nil {
			return nil, fmt.Errorf("pump backend modbus needs a bus client")
		}
		return NewRelayCoil(bus, cfg.Relay), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown pump backend %q", cfg.Backend)
	}
}
