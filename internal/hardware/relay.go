package hardware

import (
	"context"
	"time"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/modbus"
)

const relayWriteTimeout = 3 * time.Second

// RelayCoil drives the pump through a coil on a Modbus relay board.
type RelayCoil struct {
	bus *modbus.BusClient
	cfg config.RelayConfig
}

func NewRelayCoil(bus *modbus.BusClient, cfg config.RelayConfig) *RelayCoil {
	return &RelayCoil{bus: bus, cfg: cfg}
}

// Initialize confirms the relay board answers by reading the coil back.
func (r *RelayCoil) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
	defer cancel()
	on, err := r.bus.ReadCoil(ctx, r.cfg.UnitId, r.cfg.Coil)
	if err != nil {
		return err
	}
	logging.Info("pump relay reachable", "bus", r.bus.BusId(), "unitId", r.cfg.UnitId, "coil", r.cfg.Coil, "on", on)
	return nil
}

func (r *RelayCoil) SetLevel(active bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
	defer cancel()
	return r.bus.WriteCoil(ctx, r.cfg.UnitId, r.cfg.Coil, active)
}

// Release leaves the coil off; the bus itself is closed by its owner.
func (r *RelayCoil) Release() error {
	return r.SetLevel(false)
}
