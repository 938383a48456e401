// Package sensors holds the individual probes read by the aggregator.
package sensors

import (
	"context"
	"fmt"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/modbus"
)

// Probe reads one value. Implementations may block; the caller bounds the
// time spent through ctx and its own timeout.
type Probe interface {
	Type() string
	ID() string
	Read(ctx context.Context) (float64, error)
}

type base struct {
	typ string
	id  string
}

func (b base) Type() string { return b.typ }
func (b base) ID() string   { return b.id }

// Build creates probes in configured order. board and bus may be nil when
// no probe needs them.
func Build(cfgs []config.SensorConfig, board *Board, bus *modbus.BusClient) ([]Probe, error) {
	probes := make([]Probe, 0, len(cfgs))
	for _, sc := range cfgs {
		b := base{typ: sc.Type, id: sc.ID}
		switch sc.Driver {
		case "ds18b20":
			probes = append(probes, NewW1Probe(b, sc.Device))
		case "ads1115":
			if board == nil {
				return nil, fmt.Errorf("sensor %s: ads1115 needs the i2c board", sc.ID)
			}
			cal := Calibration{Dry: sc.Dry, Wet: sc.Wet}
			probes = append(probes, NewMoistureProbe(b, board, sc.I2CBus, sc.Address, sc.Channel, cal))
		case "bh1750":
			if board == nil {
				return nil, fmt.Errorf("sensor %s: bh1750 needs the i2c board", sc.ID)
			}
			probes = append(probes, NewLightProbe(b, board, sc.I2CBus, sc.Address))
		case "modbus":
			if bus == nil {
				return nil, fmt.Errorf("sensor %s: modbus driver needs a bus client", sc.ID)
			}
			probes = append(probes, NewRegisterProbe(b, bus, sc.UnitId, sc.Register, sc.Scale, sc.Offset))
		default:
			return nil, fmt.Errorf("sensor %s: unknown driver %q", sc.ID, sc.Driver)
		}
	}
	return probes, nil
}
