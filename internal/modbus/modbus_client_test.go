package modbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startSlave runs an in-process Modbus TCP slave seeded by seed.
func startSlave(t *testing.T, seed func(*mbserver.Server)) string {
	t.Helper()
	srv := mbserver.NewServer()
	if seed != nil {
		seed(srv)
	}
	addr := freeAddr(t)
	require.NoError(t, srv.ListenTCP(addr))
	t.Cleanup(srv.Close)
	return addr
}

func tcpBus(addr string) *config.BusConfig {
	return &config.BusConfig{BusId: "test", Type: "tcp", TCPAddr: addr, TimeoutMs: 500}
}

// TestWriteAndReadCoil round-trips the relay coil through a live slave.
func TestWriteAndReadCoil(t *testing.T) {
	addr := startSlave(t, nil)
	c, err := NewBusClient(tcpBus(addr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.WriteCoil(ctx, 1, 3, true))
	on, err := c.ReadCoil(ctx, 1, 3)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, c.WriteCoil(ctx, 1, 3, false))
	on, err = c.ReadCoil(ctx, 1, 3)
	require.NoError(t, err)
	require.False(t, on)
}

// TestReadInputRegister decodes the big-endian register word.
func TestReadInputRegister(t *testing.T) {
	addr := startSlave(t, func(s *mbserver.Server) {
		s.InputRegisters[4] = 1234
	})
	c, err := NewBusClient(tcpBus(addr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	v, err := c.ReadInputRegister(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Equal(t, uint16(1234), v)
}

// TestConnectFailureBacksOff doubles the wait after repeated failures.
func TestConnectFailureBacksOff(t *testing.T) {
	t.Parallel()

	c := NewTCPBusClient(tcpBus(freeAddr(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, c.EnsureConnected(ctx))
	require.Equal(t, 200*time.Millisecond, c.backoff)
	require.Error(t, c.EnsureConnected(ctx))
	require.Equal(t, 400*time.Millisecond, c.backoff)
	require.NotNil(t, c.lastConnErr)
}

// TestEnsureConnectedHonoursContext gives up while waiting out the backoff.
func TestEnsureConnectedHonoursContext(t *testing.T) {
	t.Parallel()

	c := NewTCPBusClient(tcpBus(freeAddr(t)))
	c.backoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.EnsureConnected(ctx), context.Canceled)
}

func TestNewBusClientRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := NewBusClient(&config.BusConfig{Type: "can"})
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, isTransient(net.ErrClosed))
	require.True(t, isTransient(errString("read tcp 127.0.0.1:1502: i/o timeout")))
	require.False(t, isTransient(nil))
	require.False(t, isTransient(errString("modbus: exception '2' (illegal data address)")))
}

type errString string

func (e errString) Error() string { return string(e) }
