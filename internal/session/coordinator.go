package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/fisaks/fieldnode/internal/messaging"
	"github.com/fisaks/fieldnode/internal/node"
	"github.com/fisaks/fieldnode/internal/poller"
	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/fisaks/fieldnode/internal/state"
)

var ErrNoAggregator = errors.New("no sensor aggregator configured")

const (
	KindTelemetry = "telemetry"
	KindPumpState = "pump_state"
)

// PumpStatus is the read side of the pump controller.
type PumpStatus interface {
	Status() pump.Status
}

// Recorder is told about every publish the coordinator makes.
type Recorder interface {
	Published(kind string, err error)
}

type Option func(*Coordinator)

func WithAggregator(a node.Aggregator) Option { return func(c *Coordinator) { c.aggregator = a } }

// WithPump publishes the pump state whenever events fires and on every
// heartbeat.
func WithPump(p PumpStatus, events chan poller.ZeroSignal, heartbeat time.Duration) Option {
	return func(c *Coordinator) {
		c.pump = p
		c.pumpEvents = events
		c.heartbeat = heartbeat
	}
}

func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

func WithStateStore(s state.PumpStateStore) Option { return func(c *Coordinator) { c.states = s } }

// WithOnConnectPublisher is registered on the broker before it connects, so
// it also fires for the first connect.
func WithOnConnectPublisher(id string, fn messaging.OnConnectPublisher) Option {
	return func(c *Coordinator) { c.onConnect[id] = fn }
}

// Coordinator owns the MQTT session of the node: it routes inbound commands
// to the dispatcher and publishes sensor snapshots and pump state.
type Coordinator struct {
	broker     messaging.Broker
	dispatcher node.CommandHandler
	aggregator node.Aggregator
	id         node.Identity
	topics     node.Topics
	interval   time.Duration

	pump       PumpStatus
	pumpEvents chan poller.ZeroSignal
	heartbeat  time.Duration
	states     state.PumpStateStore

	trigger   chan poller.ZeroSignal
	recorder  Recorder
	onConnect map[string]messaging.OnConnectPublisher

	mu  sync.Mutex
	sub messaging.Subscription
}

func NewCoordinator(broker messaging.Broker, dispatcher node.CommandHandler, id node.Identity, interval time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		broker:     broker,
		dispatcher: dispatcher,
		id:         id,
		topics:     node.TopicsFor(id),
		interval:   interval,
		trigger:    make(chan poller.ZeroSignal, 1),
		onConnect:  make(map[string]messaging.OnConnectPublisher),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		c.interval = 30 * time.Second
	}
	if c.states == nil {
		c.states = state.NewPumpStateStore()
	}
	return c
}

func (c *Coordinator) Topics() node.Topics { return c.topics }

// Connect opens the session and subscribes to the command topic. Inbound
// messages are delivered on their own goroutines.
func (c *Coordinator) Connect(ctx context.Context) error {
	for id, fn := range c.onConnect {
		c.broker.AddOnConnectPublisher(id, fn)
	}
	if err := c.broker.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	sub, err := c.broker.Subscribe(ctx, c.topics.Command, messaging.AtLeastOnce, c.OnMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topics.Command, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	logging.Info("session connected", "device_uid", c.id.String(), "command_topic", c.topics.Command)
	return nil
}

func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.broker.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnMessage hands command payloads to the dispatcher. Messages on any other
// topic are dropped.
func (c *Coordinator) OnMessage(ctx context.Context, topic string, payload []byte) {
	if topic != c.topics.Command {
		logging.Debug("ignoring message", "topic", topic)
		return
	}
	if err := c.dispatcher.Dispatch(ctx, payload); err != nil {
		logging.Warn("command not applied", "topic", topic, "error", err)
	}
}

func (c *Coordinator) PublishSnapshot(ctx context.Context, snap node.SensorSnapshot) error {
	err := c.broker.PublishJSON(ctx, c.topics.Telemetry, messaging.AtLeastOnce, false, snap.Message(c.id))
	c.record(KindTelemetry, err)
	if err != nil {
		logging.Warn("telemetry publish failed", "topic", c.topics.Telemetry, "error", err)
		return err
	}
	logging.Debug("telemetry published", "topic", c.topics.Telemetry, "sensors", len(snap.Readings))
	return nil
}

// TriggerImmediateRead reads all probes now and publishes the result.
func (c *Coordinator) TriggerImmediateRead(ctx context.Context) error {
	if c.aggregator == nil {
		logging.Warn("read requested but no sensors are configured")
		return ErrNoAggregator
	}
	return c.PublishSnapshot(ctx, c.aggregator.Snapshot(ctx))
}

// RequestRead asks Run for an out-of-cycle read. A request already pending
// absorbs this one.
func (c *Coordinator) RequestRead() bool {
	return poller.Signal(c.trigger)
}

// PublishPumpState publishes the retained pump state if it changed or the
// heartbeat is due.
func (c *Coordinator) PublishPumpState(ctx context.Context) error {
	if c.pump == nil {
		return nil
	}
	msg := c.pumpMessage(c.pump.Status())
	uid := c.id.String()
	if !c.states.NeedsPublish(uid, msg, c.heartbeat) {
		return nil
	}
	err := c.broker.PublishJSON(ctx, c.topics.PumpState, messaging.AtLeastOnce, true, msg)
	c.record(KindPumpState, err)
	if err != nil {
		logging.Warn("pump state publish failed", "topic", c.topics.PumpState, "error", err)
		return err
	}
	c.states.Update(uid, msg)
	return nil
}

func (c *Coordinator) pumpMessage(st pump.Status) node.PumpStateMessage {
	msg := node.PumpStateMessage{
		DeviceUID:       c.id.String(),
		State:           st.State.String(),
		Active:          st.Active,
		HardwarePresent: st.HardwarePresent,
		Timestamp:       time.Now().UTC(),
	}
	if st.Run != nil {
		msg.RunID = st.Run.ID
		msg.RunSeconds = st.Run.Duration.Seconds()
	}
	return msg
}

// Run publishes a snapshot immediately, then on every interval tick and on
// every RequestRead, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if c.pump != nil && c.heartbeat > 0 {
		hb := time.NewTicker(c.heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	_ = c.PublishPumpState(ctx)
	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.cycle(ctx)
		case <-c.trigger:
			logging.Info("manual read")
			c.cycle(ctx)
		case <-c.pumpEvents:
			_ = c.PublishPumpState(ctx)
		case <-heartbeat:
			_ = c.PublishPumpState(ctx)
		}
	}
}

// cycle errors are already logged.
func (c *Coordinator) cycle(ctx context.Context) {
	_ = c.TriggerImmediateRead(ctx)
}

func (c *Coordinator) record(kind string, err error) {
	if c.recorder != nil {
		c.recorder.Published(kind, err)
	}
}
