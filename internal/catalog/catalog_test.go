package catalog

import (
	"encoding/json"
	"testing"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/messaging"
	"github.com/fisaks/fieldnode/internal/node"
	"github.com/stretchr/testify/require"
)

// TestOnConnectPublish builds the retained announcement from config.
func TestOnConnectPublish(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultNodeConfig()
	cat := NewNodeCatalog(cfg, node.NewIdentity("n1"))

	req, err := cat.OnConnectPublish()
	require.NoError(t, err)
	require.Equal(t, "sensors/n1/node", req.Topic)
	require.Equal(t, messaging.AtLeastOnce, req.Qos)
	require.True(t, req.Retain)

	data, err := json.Marshal(req.Payload)
	require.NoError(t, err)
	var msg node.AnnounceMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "n1", msg.DeviceUID)
	require.Equal(t, "gpio", msg.PumpBackend)
	require.Equal(t, 300.0, msg.MaxRunSeconds)
	require.Len(t, msg.Sensors, 4)
	require.Equal(t, "soil-sensor-002", msg.Sensors[2].ID)
	require.Equal(t, []string{"on", "off", "run"}, msg.Commands)
}

func TestOnConnectOnline(t *testing.T) {
	t.Parallel()

	cat := NewNodeCatalog(config.DefaultNodeConfig(), node.NewIdentity("n1"))
	req, err := cat.OnConnectOnline()
	require.NoError(t, err)
	require.Equal(t, "sensors/n1/status", req.Topic)
	require.Equal(t, []byte(StatusOnline), req.PayloadBytes)
	require.True(t, req.Retain)
}
