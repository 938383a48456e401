// Package fieldsim models the field behind a Modbus relay for the bus
// simulators: soil dries out slowly and gets wetter while the pump runs.
package fieldsim

import (
	"github.com/fisaks/fieldnode/internal/config"
)

type Point struct {
	Unit uint8
	Addr uint16
}

// Plan lists the relay coil and the moisture registers a node config reads.
type Plan struct {
	Relay     Point
	Registers []Point
	Start     uint16
	Rise      uint16
	Fall      uint16
	Max       uint16
}

func PlanFor(cfg *config.NodeConfig) Plan {
	p := Plan{
		Relay: Point{Unit: cfg.Pump.Relay.UnitId, Addr: cfg.Pump.Relay.Coil},
		Start: 450,
		Rise:  15,
		Fall:  1,
		Max:   1000,
	}
	for _, s := range cfg.Sensors {
		if s.Driver == "modbus" {
			p.Registers = append(p.Registers, Point{Unit: s.UnitId, Addr: s.Register})
		}
	}
	return p
}

// Units returns every unit id the plan touches, relay first.
func (p Plan) Units() []uint8 {
	seen := map[uint8]bool{p.Relay.Unit: true}
	units := []uint8{p.Relay.Unit}
	for _, r := range p.Registers {
		if !seen[r.Unit] {
			seen[r.Unit] = true
			units = append(units, r.Unit)
		}
	}
	return units
}

// Step advances one register by one tick.
func (p Plan) Step(pumpOn bool, v uint16) uint16 {
	if pumpOn {
		if p.Max-v < p.Rise {
			return p.Max
		}
		return v + p.Rise
	}
	if v < p.Fall {
		return 0
	}
	return v - p.Fall
}
