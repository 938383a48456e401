package fieldsim

import (
	"testing"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/stretchr/testify/require"
)

// TestPlanFor picks the relay and only the modbus-backed sensors.
func TestPlanFor(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultNodeConfig()
	cfg.Pump.Relay = config.RelayConfig{UnitId: 2, Coil: 4}
	cfg.Sensors = append(cfg.Sensors,
		config.SensorConfig{Type: "moisture", ID: "soil-mb-1", Driver: "modbus", UnitId: 3, Register: 10},
		config.SensorConfig{Type: "moisture", ID: "soil-mb-2", Driver: "modbus", UnitId: 2, Register: 11},
	)

	p := PlanFor(cfg)
	require.Equal(t, Point{Unit: 2, Addr: 4}, p.Relay)
	require.Equal(t, []Point{{Unit: 3, Addr: 10}, {Unit: 2, Addr: 11}}, p.Registers)
	require.Equal(t, []uint8{2, 3}, p.Units())
}

// TestStepSaturates stays within 0..Max.
func TestStepSaturates(t *testing.T) {
	t.Parallel()

	p := Plan{Rise: 15, Fall: 1, Max: 1000}
	require.Equal(t, uint16(515), p.Step(true, 500))
	require.Equal(t, uint16(1000), p.Step(true, 990))
	require.Equal(t, uint16(499), p.Step(false, 500))
	require.Equal(t, uint16(0), p.Step(false, 0))
}
