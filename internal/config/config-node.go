// internal/config/config-node.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/node"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type NodeConfig struct {
	DeviceID              string         `json:"deviceId" yaml:"deviceId"`
	MQTT                  MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	PublishIntervalSec    int            `json:"publishIntervalSec" yaml:"publishIntervalSec"`
	PumpStateHeartbeatSec int            `json:"pumpStateHeartbeatSec" yaml:"pumpStateHeartbeatSec"`
	Pump                  PumpConfig     `json:"pump" yaml:"pump"`
	Modbus                *BusConfig     `json:"modbus,omitempty" yaml:"modbus,omitempty"` // shared bus for relay + register probes
	Sensors               []SensorConfig `json:"sensors" yaml:"sensors"`
	SensorTimeoutMs       int            `json:"sensorTimeoutMs" yaml:"sensorTimeoutMs"`
	SensorRetries         int            `json:"sensorRetries" yaml:"sensorRetries"`
	MetricsAddr           string         `json:"metricsAddr" yaml:"metricsAddr"` // "off" disables the HTTP endpoint
	CPUInfoPath           string         `json:"cpuInfoPath,omitempty" yaml:"cpuInfoPath,omitempty"`
}

type MQTTConfig struct {
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	Username         string `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string `json:"password,omitempty" yaml:"password,omitempty"`
	KeepAliveSec     int    `json:"keepAliveSec" yaml:"keepAliveSec"`
	ConnectTimeoutMs int    `json:"connectTimeoutMs" yaml:"connectTimeoutMs"`
	PublishTimeoutMs int    `json:"publishTimeoutMs" yaml:"publishTimeoutMs"`
	// consecutive publish failures before the breaker opens
	BreakerFailures int `json:"breakerFailures" yaml:"breakerFailures"`
}

type PumpConfig struct {
	Backend       string      `json:"backend" yaml:"backend"` // "gpio" | "modbus" | "none"
	MaxRunSeconds float64     `json:"maxRunSeconds" yaml:"maxRunSeconds"`
	GPIO          GPIOConfig  `json:"gpio" yaml:"gpio"`
	Relay         RelayConfig `json:"relay" yaml:"relay"`
}

type GPIOConfig struct {
	Chip      string `json:"chip" yaml:"chip"`
	Line      int    `json:"line" yaml:"line"`
	ActiveLow bool   `json:"activeLow" yaml:"activeLow"`
}

type RelayConfig struct {
	UnitId uint8  `json:"unitId" yaml:"unitId"`
	Coil   uint16 `json:"coil" yaml:"coil"`
}

type BusConfig struct {
	BusId                 string `json:"busId" yaml:"busId"`
	Type                  string `json:"type" yaml:"type"` // "rtu" | "tcp"
	TCPAddr               string `json:"tcpAddr" yaml:"tcpAddr"`
	Port                  string `json:"port" yaml:"port"`
	Baud                  int    `json:"baud" yaml:"baud"`
	DataBits              int    `json:"dataBits" yaml:"dataBits"`
	StopBits              int    `json:"stopBits" yaml:"stopBits"`
	Parity                string `json:"parity" yaml:"parity"`
	TimeoutMs             int    `json:"timeoutMs" yaml:"timeoutMs"`
	SettleBeforeRequestMs int    `json:"settleBeforeRequestMs" yaml:"settleBeforeRequestMs"`
	SettleAfterWriteMs    int    `json:"settleAfterWriteMs" yaml:"settleAfterWriteMs"`
	Debug                 bool   `json:"debug" yaml:"debug"`
}

type SensorConfig struct {
	Type   string `json:"type" yaml:"type"` // temperature | moisture | light | any label
	ID     string `json:"id" yaml:"id"`
	Driver string `json:"driver" yaml:"driver"` // ds18b20 | ads1115 | bh1750 | modbus

	// ds18b20: w1_slave path or glob
	Device string `json:"device,omitempty" yaml:"device,omitempty"`

	// ads1115 / bh1750
	I2CBus  int     `json:"i2cBus,omitempty" yaml:"i2cBus,omitempty"`
	Address int     `json:"address,omitempty" yaml:"address,omitempty"`
	Channel int     `json:"channel,omitempty" yaml:"channel,omitempty"`
	Dry     float64 `json:"dry,omitempty" yaml:"dry,omitempty"`
	Wet     float64 `json:"wet,omitempty" yaml:"wet,omitempty"`

	// modbus input register
	UnitId   uint8   `json:"unitId,omitempty" yaml:"unitId,omitempty"`
	Register uint16  `json:"register,omitempty" yaml:"register,omitempty"`
	Scale    float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset   float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

const (
	DefaultW1Glob     = "/sys/bus/w1/devices/28-*/w1_slave"
	DefaultCPUInfo    = "/proc/cpuinfo"
	DefaultMaxRunSecs = 300
	MetricsOff        = "off"
)

var sensorDrivers = []string{"ds18b20", "ads1115", "bh1750", "modbus"}

/* =========================
   Helpers
   ========================= */

func (m MQTTConfig) BrokerURL() string { return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port) }
func (m MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(m.KeepAliveSec) * time.Second
}
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMs) * time.Millisecond
}
func (m MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeoutMs) * time.Millisecond
}

func (c NodeConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}
func (c NodeConfig) PumpStateHeartbeat() time.Duration {
	return time.Duration(c.PumpStateHeartbeatSec) * time.Second
}
func (c NodeConfig) SensorTimeout() time.Duration {
	return time.Duration(c.SensorTimeoutMs) * time.Millisecond
}

func (b BusConfig) Timeout() time.Duration { return time.Duration(b.TimeoutMs) * time.Millisecond }
func (b BusConfig) SettleBeforeRequest() time.Duration {
	return time.Duration(b.SettleBeforeRequestMs) * time.Millisecond
}
func (b BusConfig) SettleAfterWrite() time.Duration {
	return time.Duration(b.SettleAfterWriteMs) * time.Millisecond
}

// DefaultNodeConfig mirrors a stock Raspberry Pi build: pump relay on BCM 17,
// one DS18B20, two capacitive soil probes on an ADS1115 and a BH1750.
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{
		MQTT: MQTTConfig{Host: "mqtt", Port: 1883},
		Pump: PumpConfig{
			Backend: "gpio",
			GPIO:    GPIOConfig{Chip: "gpiochip0", Line: 17},
		},
		Sensors: []SensorConfig{
			{Type: "temperature", ID: "temp-sensor-001", Driver: "ds18b20", Device: DefaultW1Glob},
			{Type: "moisture", ID: "soil-sensor-001", Driver: "ads1115", Channel: 0},
			{Type: "moisture", ID: "soil-sensor-002", Driver: "ads1115", Channel: 1},
			{Type: "light", ID: "light-sensor-001", Driver: "bh1750"},
		},
	}
	// defaults only fill in, they never fail
	_ = cfg.Validate()
	return cfg
}

/* =========================
   Strict load + validate
   ========================= */

// LoadNodeConfig reads a JSON (comments allowed) or YAML file. An empty
// path yields DefaultNodeConfig.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if path == "" {
		return DefaultNodeConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadNodeConfigYAML(f)
	default:
		return LoadNodeConfigFromReader(f)
	}
}

func LoadNodeConfigFromReader(r io.Reader) (*NodeConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()

	var cfg NodeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func LoadNodeConfigYAML(r io.Reader) (*NodeConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg NodeConfig
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays the deployment environment variables and re-validates.
func (c *NodeConfig) ApplyEnv(getenv func(string) string) error {
	var errs multiErr

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs.addf("%s: %q is not an integer", key, v)
				return
			}
			*dst = n
		}
	}

	setString("DEVICE_ID", &c.DeviceID)
	setString("MQTT_HOST", &c.MQTT.Host)
	setInt("MQTT_PORT", &c.MQTT.Port)
	setString("MQTT_USERNAME", &c.MQTT.Username)
	setString("MQTT_PASSWORD", &c.MQTT.Password)
	setInt("PUBLISH_INTERVAL", &c.PublishIntervalSec)
	setString("PUMP_BACKEND", &c.Pump.Backend)
	setString("METRICS_ADDR", &c.MetricsAddr)
	if v := strings.TrimSpace(getenv("MAX_RUN_SECONDS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			errs.addf("MAX_RUN_SECONDS: %q is not a finite number", v)
		} else {
			c.Pump.MaxRunSeconds = f
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return c.Validate()
}

func (c *NodeConfig) Validate() error {
	var errs multiErr

	/* Identity */
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	if c.DeviceID != "" {
		if err := node.ValidateID(c.DeviceID); err != nil {
			errs.addf("deviceId: %v", err)
		}
	}

	/* MQTT */
	if strings.TrimSpace(c.MQTT.Host) == "" {
		c.MQTT.Host = "mqtt"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		errs.addf("mqtt.port must be 1..65535 (got %d)", c.MQTT.Port)
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 60
	}
	if c.MQTT.ConnectTimeoutMs <= 0 {
		c.MQTT.ConnectTimeoutMs = 10000
	}
	if c.MQTT.PublishTimeoutMs <= 0 {
		c.MQTT.PublishTimeoutMs = 5000
	}
	if c.MQTT.BreakerFailures <= 0 {
		c.MQTT.BreakerFailures = 5
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		errs.add("mqtt.password set without mqtt.username")
	}

	/* Cadence */
	if c.PublishIntervalSec < 0 {
		errs.add("publishIntervalSec must be > 0 (e.g., 30)")
	}
	if c.PublishIntervalSec == 0 {
		c.PublishIntervalSec = 30
	}
	if c.PumpStateHeartbeatSec < 0 {
		c.PumpStateHeartbeatSec = 60
	}
	if c.PumpStateHeartbeatSec == 0 {
		logging.Debug("pumpStateHeartbeatSec=0 configured, pump state heartbeats disabled")
	}

	/* Pump */
	p := &c.Pump
	if p.Backend == "" {
		p.Backend = "gpio"
	}
	p.Backend = strings.ToLower(p.Backend)
	if p.MaxRunSeconds == 0 {
		p.MaxRunSeconds = DefaultMaxRunSecs
	}
	if p.MaxRunSeconds < 0 || math.IsNaN(p.MaxRunSeconds) || math.IsInf(p.MaxRunSeconds, 0) {
		errs.addf("pump.maxRunSeconds must be a finite number > 0 (got %v)", p.MaxRunSeconds)
	}
	switch p.Backend {
	case "gpio":
		if p.GPIO.Chip == "" {
			p.GPIO.Chip = "gpiochip0"
		}
		// line 0 is ID_SD on the Pi header
		if p.GPIO.Line == 0 {
			p.GPIO.Line = 17
		}
		if p.GPIO.Line < 0 {
			errs.addf("pump.gpio.line must be >= 0 (got %d)", p.GPIO.Line)
		}
	case "modbus":
		if c.Modbus == nil {
			errs.add("pump.backend=modbus requires a modbus bus section")
		}
		if p.Relay.UnitId == 0 || p.Relay.UnitId > 247 {
			errs.addf("pump.relay.unitId must be 1..247 (got %d)", p.Relay.UnitId)
		}
	case "none":
	default:
		errs.addf("pump.backend must be 'gpio', 'modbus' or 'none' (got %q)", p.Backend)
	}

	/* Modbus bus */
	if b := c.Modbus; b != nil {
		if b.BusId == "" {
			b.BusId = "bus1"
		}
		switch strings.ToLower(b.Type) {
		case "tcp":
			if strings.TrimSpace(b.TCPAddr) == "" {
				errs.add("modbus: tcpAddr is required for type=tcp")
			}
		case "rtu":
			if strings.TrimSpace(b.Port) == "" {
				errs.add("modbus: port is required for type=rtu")
			}
			if b.Baud <= 0 {
				errs.add("modbus: baud must be > 0 for type=rtu")
			}
			if b.DataBits == 0 {
				b.DataBits = 8
			}
			if b.StopBits == 0 {
				b.StopBits = 1
			}
			if b.Parity == "" {
				b.Parity = "N"
			}
			if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(b.Parity)) {
				errs.add("modbus: parity must be one of N,E,O")
			}
		default:
			errs.add("modbus: type must be 'rtu' or 'tcp'")
		}
		if b.TimeoutMs <= 0 {
			b.TimeoutMs = 150
		}
		if b.SettleBeforeRequestMs < 0 || b.SettleAfterWriteMs < 0 {
			errs.add("modbus: settle timings cannot be negative")
		}
	}

	/* Sensors */
	seen := map[string]int{}
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if strings.TrimSpace(s.ID) == "" {
			errs.addf("sensors[%d]: id is required", i)
		} else if j, ok := seen[s.ID]; ok {
			errs.addf("sensors[%d]: duplicate id %q (also at sensors[%d])", i, s.ID, j)
		} else {
			seen[s.ID] = i
		}
		if strings.TrimSpace(s.Type) == "" {
			errs.addf("sensors[%d/%s]: type is required", i, s.ID)
		}
		s.Driver = strings.ToLower(s.Driver)
		if !slices.Contains(sensorDrivers, s.Driver) {
			errs.addf("sensors[%d/%s]: driver must be one of %s", i, s.ID, strings.Join(sensorDrivers, ","))
			continue
		}
		if s.I2CBus == 0 {
			s.I2CBus = 1
		}
		switch s.Driver {
		case "ds18b20":
			if s.Device == "" {
				s.Device = DefaultW1Glob
			}
		case "ads1115":
			if s.Address == 0 {
				s.Address = 0x48
			}
			if s.Channel < 0 || s.Channel > 3 {
				errs.addf("sensors[%d/%s]: channel must be 0..3", i, s.ID)
			}
			if s.Dry == 0 && s.Wet == 0 {
				s.Dry, s.Wet = 2.48, 1.00
			}
			if s.Dry <= s.Wet {
				errs.addf("sensors[%d/%s]: dry voltage must be above wet voltage", i, s.ID)
			}
		case "bh1750":
			if s.Address == 0 {
				s.Address = 0x23
			}
		case "modbus":
			if c.Modbus == nil {
				errs.addf("sensors[%d/%s]: driver=modbus requires a modbus bus section", i, s.ID)
			}
			if s.UnitId == 0 || s.UnitId > 247 {
				errs.addf("sensors[%d/%s]: unitId must be 1..247", i, s.ID)
			}
			if s.Scale == 0 {
				s.Scale = 1
			}
		}
	}
	if c.SensorTimeoutMs <= 0 {
		c.SensorTimeoutMs = 2000
	}
	if c.SensorRetries < 0 {
		errs.addf("sensorRetries cannot be negative (got %d)", c.SensorRetries)
	}

	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9102"
	}
	if c.CPUInfoPath == "" {
		c.CPUInfoPath = DefaultCPUInfo
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *NodeConfig) UsesModbus() bool {
	if c.Pump.Backend == "modbus" {
		return true
	}
	for _, s := range c.Sensors {
		if s.Driver == "modbus" {
			return true
		}
	}
	return false
}

func (c *NodeConfig) UsesI2C() bool {
	for _, s := range c.Sensors {
		if s.Driver == "ads1115" || s.Driver == "bh1750" {
			return true
		}
	}
	return false
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments drops block comments and whole-line // comments; trailing
// // is kept so values like "tcp://host" survive.
func stripJSONComments(in []byte) []byte {
	out := blockComments.ReplaceAll(in, nil)
	return lineComments.ReplaceAll(out, nil)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
