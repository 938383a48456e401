package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/goburrow/modbus"
)

const (
	READ  = uint8(1)
	WRITE = uint8(2)
)

const (
	CoilOn  = uint16(0xFF00)
	CoilOff = uint16(0x0000)
)

type ModbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// BusClient is the one connection to the shared bus. The pump relay and the
// register probes both go through it, so every request is serialized by mu.
type BusClient struct {
	mu      sync.Mutex
	bus     *config.BusConfig
	handler ModbusHandler // satisfied by both RTU and TCP handlers
	client  modbus.Client
	// Connection and backoff state
	connOK      bool
	backoff     time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	lastConnErr error
}

func newBusClient(handler ModbusHandler, bus *config.BusConfig) *BusClient {
	return &BusClient{
		bus:        bus,
		handler:    handler,
		client:     modbus.NewClient(handler),
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func NewBusClient(bus *config.BusConfig) (*BusClient, error) {
	switch strings.ToLower(bus.Type) {
	case "rtu":
		return NewRTUBusClient(bus), nil
	case "tcp":
		return NewTCPBusClient(bus), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", bus.Type)
	}
}

func NewRTUBusClient(bus *config.BusConfig) *BusClient {
	handler := modbus.NewRTUClientHandler(bus.Port)
	handler.BaudRate = bus.Baud
	handler.DataBits = bus.DataBits
	handler.Parity = bus.Parity
	handler.StopBits = bus.StopBits
	handler.Timeout = bus.Timeout()
	if bus.Debug {
		handler.Logger = logging.WrapSlog("bus", bus.BusId)
	}
	return newBusClient(handler, bus)
}

func NewTCPBusClient(bus *config.BusConfig) *BusClient {
	handler := modbus.NewTCPClientHandler(bus.TCPAddr)
	handler.Timeout = bus.Timeout()
	if bus.Debug {
		handler.Logger = logging.WrapSlog("bus", bus.BusId)
	}
	return newBusClient(handler, bus)
}

func (m *BusClient) BusId() string { return m.bus.BusId }

func (m *BusClient) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnected(ctx)
}

func (m *BusClient) ensureConnected(ctx context.Context) error {
	if m.connOK {
		return nil
	}
	if m.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}

	_ = m.handler.Close() // cleanup any stale
	if err := m.handler.Connect(); err != nil {
		m.bumpBackoff(err)
		return err
	}

	m.client = modbus.NewClient(m.handler)
	m.connOK = true
	m.backoff = 0
	m.lastConnErr = nil
	logging.Info("modbus bus connected", "bus", m.bus.BusId, "type", m.bus.Type)
	return nil
}

func (m *BusClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connOK = false
	return m.handler.Close()
}

func (m *BusClient) bumpBackoff(err error) {
	m.connOK = false
	m.lastConnErr = err
	if m.backoff == 0 {
		m.backoff = m.backoffMin
	} else {
		m.backoff *= 2
		if m.backoff > m.backoffMax {
			m.backoff = m.backoffMax
		}
	}
}

func (m *BusClient) setSlave(id byte) {
	switch h := m.handler.(type) {
	case *modbus.RTUClientHandler:
		h.SlaveId = id
	case *modbus.TCPClientHandler:
		h.SlaveId = id
	default:
		logging.Error("Unknown Modbus handler type", "type", fmt.Sprintf("%T", h))
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "eof") ||
		strings.Contains(s, "i/o") ||
		strings.Contains(s, "timeout") {
		return true
	}
	return false
}

func (m *BusClient) withClient(ctx context.Context, unitId uint8, access uint8, fn func() ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnected(ctx); err != nil {
		return nil, err
	}
	m.setSlave(unitId)

	v, err := m.callWithSettle(ctx, access, fn)
	if err == nil {
		return v, nil
	}
	if isTransient(err) {
		logging.Warn("modbus request failed, reconnecting", "bus", m.bus.BusId, "unitId", unitId, "error", err)
		m.bumpBackoff(err)
		if err2 := m.ensureConnected(ctx); err2 == nil {
			m.setSlave(unitId)
			return m.callWithSettle(ctx, access, fn)
		}
	}
	return nil, err
}

func (m *BusClient) callWithSettle(ctx context.Context, access uint8, fn func() ([]byte, error)) ([]byte, error) {
	if err := settle(ctx, m.bus.SettleBeforeRequest()); err != nil {
		return nil, err
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	if access == WRITE {
		if err := settle(ctx, m.bus.SettleAfterWrite()); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func settle(ctx context.Context, gap time.Duration) error {
	if gap <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(gap):
	}
	return nil
}

// ===== FC1 / FC5: coils =====

func (m *BusClient) ReadCoil(ctx context.Context, unitId uint8, addr uint16) (bool, error) {
	data, err := m.withClient(ctx, unitId, READ, func() ([]byte, error) {
		// FC1, qty=1 returns 1 byte; bit0 is the coil
		return m.client.ReadCoils(addr, 1)
	})
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, fmt.Errorf("empty coil response")
	}
	return (data[0] & 0x01) != 0, nil
}

func (m *BusClient) WriteCoil(ctx context.Context, unitId uint8, addr uint16, on bool) error {
	_, err := m.withClient(ctx, unitId, WRITE, func() ([]byte, error) {
		val := CoilOff
		if on {
			val = CoilOn
		}
		return m.client.WriteSingleCoil(addr, val)
	})
	return err
}

// ===== FC4: input registers =====

func (m *BusClient) ReadInputRegister(ctx context.Context, unitId uint8, addr uint16) (uint16, error) {
	data, err := m.withClient(ctx, unitId, READ, func() ([]byte, error) {
		return m.client.ReadInputRegisters(addr, 1)
	})
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("short input register response: %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}
