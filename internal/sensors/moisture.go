package sensors

import (
	"context"

	"github.com/fisaks/fieldnode/internal/util"
)

// Calibration maps a capacitive probe voltage to percent moisture: Dry
// volts reads 0%, Wet volts reads 100%.
type Calibration struct {
	Dry float64
	Wet float64
}

func (c Calibration) Percent(volts float64) float64 {
	v := util.Clamp(volts, c.Wet, c.Dry)
	return util.Round1((c.Dry - v) / (c.Dry - c.Wet) * 100)
}

type VoltageReader interface {
	ReadVoltage(bus, address, channel int) (float64, error)
}

type MoistureProbe struct {
	base
	reader  VoltageReader
	bus     int
	address int
	channel int
	cal     Calibration
}

func NewMoistureProbe(b base, r VoltageReader, bus, address, channel int, cal Calibration) *MoistureProbe {
	return &MoistureProbe{base: b, reader: r, bus: bus, address: address, channel: channel, cal: cal}
}

func (p *MoistureProbe) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := p.reader.ReadVoltage(p.bus, p.address, p.channel)
	if err != nil {
		return 0, err
	}
	return p.cal.Percent(v), nil
}
