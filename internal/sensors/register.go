package sensors

import (
	"context"

	"github.com/fisaks/fieldnode/internal/util"
)

type RegisterReader interface {
	ReadInputRegister(ctx context.Context, unitId uint8, addr uint16) (uint16, error)
}

// RegisterProbe reads a Modbus input register and applies scale and offset.
type RegisterProbe struct {
	base
	reader   RegisterReader
	unitId   uint8
	register uint16
	scale    float64
	offset   float64
}

func NewRegisterProbe(b base, r RegisterReader, unitId uint8, register uint16, scale, offset float64) *RegisterProbe {
	return &RegisterProbe{base: b, reader: r, unitId: unitId, register: register, scale: scale, offset: offset}
}

func (p *RegisterProbe) Read(ctx context.Context) (float64, error) {
	raw, err := p.reader.ReadInputRegister(ctx, p.unitId, p.register)
	if err != nil {
		return 0, err
	}
	return util.Round1(float64(raw)*p.scale + p.offset), nil
}
