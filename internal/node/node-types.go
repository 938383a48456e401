package node

import (
	"context"
	"time"
)

// SensorReading is one probe value; Value is nil when the read failed.
type SensorReading struct {
	Type  string   `json:"type"`
	ID    string   `json:"id"`
	Value *float64 `json:"value"`
}

// SensorSnapshot is built fresh for every publish cycle.
type SensorSnapshot struct {
	Readings []SensorReading
	TakenAt  time.Time
}

type TelemetryMessage struct {
	DeviceUID string          `json:"device_uid"`
	Sensors   []SensorReading `json:"sensors"`
}

func (s SensorSnapshot) Message(id Identity) TelemetryMessage {
	readings := s.Readings
	if readings == nil {
		readings = []SensorReading{}
	}
	return TelemetryMessage{DeviceUID: id.String(), Sensors: readings}
}

type PumpStateMessage struct {
	DeviceUID       string    `json:"device_uid"`
	State           string    `json:"state"`
	Active          bool      `json:"active"`
	HardwarePresent bool      `json:"hardware_present"`
	RunID           string    `json:"run_id,omitempty"`
	RunSeconds      float64   `json:"run_seconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// SameAs compares everything but the timestamp.
func (m PumpStateMessage) SameAs(o PumpStateMessage) bool {
	m.Timestamp, o.Timestamp = time.Time{}, time.Time{}
	return m == o
}

type AnnounceMessage struct {
	DeviceUID     string          `json:"device_uid"`
	PumpBackend   string          `json:"pump_backend"`
	MaxRunSeconds float64         `json:"max_run_seconds"`
	PublishEvery  int             `json:"publish_interval_sec"`
	Sensors       []SensorSummary `json:"sensors"`
	Commands      []string        `json:"commands"`
}

type SensorSummary struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Driver string `json:"driver"`
}

// Aggregator produces a snapshot of the current sensor readings. It must
// honour ctx and bound the time spent per probe.
type Aggregator interface {
	Snapshot(ctx context.Context) SensorSnapshot
}

// CommandHandler consumes a raw command payload.
type CommandHandler interface {
	Dispatch(ctx context.Context, payload []byte) error
}
