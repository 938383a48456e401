package catalog

import (
	"github.com/fisaks/fieldnode/internal/command"
	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/messaging"
	"github.com/fisaks/fieldnode/internal/node"
)

// Catalog describes the node to the rest of the system: which probes it
// publishes and how its pump can be driven.
type Catalog struct {
	cfg    *config.NodeConfig
	id     node.Identity
	topics node.Topics
}

func NewNodeCatalog(cfg *config.NodeConfig, id node.Identity) *Catalog {
	return &Catalog{cfg: cfg, id: id, topics: node.TopicsFor(id)}
}

func (catalog *Catalog) buildAnnouncement() node.AnnounceMessage {
	sensors := make([]node.SensorSummary, 0, len(catalog.cfg.Sensors))
	for _, s := range catalog.cfg.Sensors {
		sensors = append(sensors, node.SensorSummary{Type: s.Type, ID: s.ID, Driver: s.Driver})
	}
	return node.AnnounceMessage{
		DeviceUID:     catalog.id.String(),
		PumpBackend:   catalog.cfg.Pump.Backend,
		MaxRunSeconds: catalog.cfg.Pump.MaxRunSeconds,
		PublishEvery:  catalog.cfg.PublishIntervalSec,
		Sensors:       sensors,
		Commands:      command.Actions,
	}
}

// OnConnectPublish republishes the retained announcement on every connect.
func (catalog *Catalog) OnConnectPublish() (messaging.PublishRequest, error) {
	return messaging.PublishRequest{
		Topic:   catalog.topics.Announce,
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: catalog.buildAnnouncement(),
	}, nil
}

// OnConnectOnline clears the retained last-will "offline" status.
func (catalog *Catalog) OnConnectOnline() (messaging.PublishRequest, error) {
	return messaging.PublishRequest{
		Topic:        catalog.topics.Status,
		Qos:          messaging.AtLeastOnce,
		Retain:       true,
		PayloadBytes: []byte(StatusOnline),
	}, nil
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
