package main

// cSpell:ignore mqtt modbus gpiod
import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/fieldnode/internal/catalog"
	"github.com/fisaks/fieldnode/internal/command"
	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/hardware"
	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/messaging"
	"github.com/fisaks/fieldnode/internal/metrics"
	"github.com/fisaks/fieldnode/internal/modbus"
	"github.com/fisaks/fieldnode/internal/node"
	"github.com/fisaks/fieldnode/internal/poller"
	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/fisaks/fieldnode/internal/sensors"
	"github.com/fisaks/fieldnode/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("NODE_CONFIG_PATH", "")

	logging.Init()
	cfg, err := config.LoadNodeConfig(path)
	if err != nil {
		logging.Fatal("Node config error", "path", path, "error", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		logging.Fatal("Node environment error", "error", err)
	}

	id, err := node.ResolveIdentity(cfg.DeviceID, cfg.CPUInfoPath)
	if err != nil {
		logging.Fatal("Node identity error", "error", err)
	}
	topics := node.TopicsFor(id)
	logging.Info("Loaded config",
		"device_uid", id.String(),
		"identitySource", id.Source(),
		"broker", cfg.MQTT.BrokerURL(),
		"pumpBackend", cfg.Pump.Backend,
		"sensors", len(cfg.Sensors),
		"publishEvery", cfg.PublishInterval(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var bus *modbus.BusClient
	if cfg.UsesModbus() {
		bus, err = modbus.NewBusClient(cfg.Modbus)
		if err != nil {
			logging.Fatal("modbus init", "error", err)
		}
		defer bus.Close()
	}

	// Pump
	hw, err := hardware.NewPumpOutput(cfg.Pump, bus)
	if err != nil {
		logging.Error("pump output unavailable, running degraded", "error", err)
		hw = nil
	}
	pumpEvents := make(chan poller.ZeroSignal, 1)
	controller := pump.NewController(hw,
		pump.WithMaxRun(time.Duration(cfg.Pump.MaxRunSeconds*float64(time.Second))),
		pump.WithListener(func(pump.Status) { poller.Signal(pumpEvents) }),
		pump.WithRunHook(m.RunFinished),
	)
	m.TrackPump(controller.Status)
	controller.Initialize()

	// Sensors
	var board *sensors.Board
	if cfg.UsesI2C() {
		board = sensors.NewBoard()
	}
	probes, err := sensors.Build(cfg.Sensors, board, bus)
	if err != nil {
		logging.Fatal("sensor setup", "error", err)
	}

	opts := []session.Option{
		session.WithPump(controller, pumpEvents, cfg.PumpStateHeartbeat()),
		session.WithRecorder(m),
	}
	if len(probes) > 0 {
		agg := poller.NewAggregator(probes,
			poller.WithProbeTimeout(cfg.SensorTimeout()),
			poller.WithRetries(cfg.SensorRetries),
			poller.WithRecorder(m),
		)
		opts = append(opts, session.WithAggregator(agg))
	}

	dispatcher := command.NewDispatcher(controller, command.WithRecorder(m))

	broker := messaging.NewMsgBroker(messaging.BrokerConfig{
		BrokerURL:        cfg.MQTT.BrokerURL(),
		ClientID:         "fieldnode-" + id.String(),
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		KeepAlive:        cfg.MQTT.KeepAlive(),
		ConnectTimeout:   cfg.MQTT.ConnectTimeout(),
		PublishTimeout:   cfg.MQTT.PublishTimeout(),
		SubscribeTimeout: 5 * time.Second,
		WillTopic:        topics.Status,
		WillPayload:      []byte(catalog.StatusOffline),
		BreakerFailures:  cfg.MQTT.BreakerFailures,
	})
	nodeCatalog := catalog.NewNodeCatalog(cfg, id)
	opts = append(opts,
		session.WithOnConnectPublisher("announce", nodeCatalog.OnConnectPublish),
		session.WithOnConnectPublisher("status", nodeCatalog.OnConnectOnline),
	)
	coordinator := session.NewCoordinator(broker, dispatcher, id, cfg.PublishInterval(), opts...)

	if cfg.MetricsAddr != config.MetricsOff {
		handler := metrics.NewHandler(reg, metrics.Probes{
			NodeID:      id.String(),
			Connected:   broker.IsConnected,
			PumpStatus:  controller.Status,
			RequestRead: coordinator.RequestRead,
		})
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, handler); err != nil {
				logging.Error("metrics endpoint stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	if err := coordinator.Connect(ctx); err != nil {
		controller.Cleanup()
		logging.Fatal("MQTT session", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for s := range sigCh {
			if s == syscall.SIGUSR1 {
				coordinator.RequestRead()
				continue
			}
			logging.Info("Shutting down", "signal", s)
			cancel()
			return
		}
	}()

	if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("session loop", "error", err)
	}

	controller.Cleanup()
	if board != nil {
		if err := board.Close(); err != nil {
			logging.Warn("sensor board close", "error", err)
		}
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer closeCancel()
	// a clean disconnect suppresses the will
	if err := broker.Publish(closeCtx, topics.Status, messaging.AtLeastOnce, true, []byte(catalog.StatusOffline)); err != nil {
		logging.Warn("offline status publish", "error", err)
	}
	if err := coordinator.Close(closeCtx); err != nil {
		logging.Warn("session close", "error", err)
	}
	logging.Info("bye")
}
