package sensors

import (
	"context"

	"github.com/fisaks/fieldnode/internal/util"
)

type LuxReader interface {
	ReadLux(bus, address int) (float64, error)
}

type LightProbe struct {
	base
	reader  LuxReader
	bus     int
	address int
}

func NewLightProbe(b base, r LuxReader, bus, address int) *LightProbe {
	return &LightProbe{base: b, reader: r, bus: bus, address: address}
}

func (p *LightProbe) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lux, err := p.reader.ReadLux(p.bus, p.address)
	if err != nil {
		return 0, err
	}
	return util.Round1(lux), nil
}
