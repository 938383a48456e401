package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/fieldnode/internal/logging"
	"github.com/sony/gobreaker"
)

var ErrNotInitialized = errors.New("client not initialized")

type BrokerConfig struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	// Last will, published by the broker if the session drops.
	WillTopic   string
	WillPayload []byte

	// Consecutive publish failures that open the breaker, and how long it
	// stays open before a probe publish is allowed.
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	breaker        *gobreaker.CircuitBreaker
	mu             sync.RWMutex
	subs           map[string]subscription
	onConnectFuncs map[string]OnConnectPublisher
}

type subscription struct {
	qos     QoS
	handler mqtt.MessageHandler
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      interface{}
}

type OnConnectPublisher func() (PublishRequest, error)

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	b := &MsgBroker{
		config:         cfg,
		newClient:      mqtt.NewClient,
		subs:           make(map[string]subscription),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
	b.breaker = newPublishBreaker(cfg)
	return b
}

func newPublishBreaker(cfg BrokerConfig) *gobreaker.CircuitBreaker {
	fails := cfg.BreakerFailures
	if fails <= 0 {
		fails = 5
	}
	open := cfg.BreakerOpenTimeout
	if open <= 0 {
		open = 15 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-publish",
		Timeout: open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		// a caller giving up is not a broker failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("publish breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = b.newClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	t := b.client.Connect()
	timeout := b.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", b.config.BrokerURL, err)
		}
		return nil
	case <-time.After(timeout):
		b.client.Disconnect(250)
		return fmt.Errorf("mqtt connect %s: timeout after %v", b.config.BrokerURL, timeout)
	case <-ctx.Done():
		b.client.Disconnect(250)
		return ctx.Err()
	}
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}
	if b.config.KeepAlive > 0 {
		opts.SetKeepAlive(b.config.KeepAlive)
	}
	if b.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(b.config.ConnectTimeout)
	}
	if b.config.WillTopic != "" {
		opts.SetBinaryWill(b.config.WillTopic, b.config.WillPayload, byte(AtLeastOnce), true)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.Warn("mqtt connection lost", "clientId", b.config.ClientID, "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logging.Info("mqtt reconnecting", "clientId", b.config.ClientID)
	})
	opts.OnConnect = func(c mqtt.Client) {
		logging.Info("mqtt connected", "clientId", b.config.ClientID, "broker", b.config.BrokerURL)
		b.resubscribe(c)
		b.onConnectPublisher()
	}
	return opts
}

// resubscribe restores every stored subscription; with a clean session the
// broker forgets them on reconnect.
func (b *MsgBroker) resubscribe(c mqtt.Client) {
	b.mu.RLock()
	subsCopy := make(map[string]subscription, len(b.subs))
	for k, v := range b.subs {
		subsCopy[k] = v
	}
	b.mu.RUnlock()

	for topic, s := range subsCopy {
		token := c.Subscribe(topic, byte(s.qos), s.handler)
		go func(topic string, token mqtt.Token) {
			if !token.WaitTimeout(b.subscribeTimeout()) {
				logging.Error("resubscribe timeout", "topic", topic)
				return
			}
			if err := token.Error(); err != nil {
				logging.Error("resubscribe failed", "topic", topic, "error", err)
			}
		}(topic, token)
	}
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MsgBroker) onConnectPublisher() {
	b.mu.RLock()
	funcsCopy := make(map[string]OnConnectPublisher, len(b.onConnectFuncs))
	for k, v := range b.onConnectFuncs {
		funcsCopy[k] = v
	}
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientId", b.config.ClientID, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientId", b.config.ClientID, "id", id, "topic", req.Topic, "error", pubErr)
		}
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MsgBroker) BreakerState() gobreaker.State { return b.breaker.State() }

func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	// Graceful disconnect with short timeout
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload through the circuit breaker. While the breaker is
// open it fails fast with gobreaker.ErrOpenState.
func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return ErrNotInitialized
	}
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.publish(ctx, topic, qos, retain, payload)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *MsgBroker) publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(topic, qosByte, retain, payload)
	if !wait {
		return nil
	}
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

func (b *MsgBroker) subscribeTimeout() time.Duration {
	if b.config.SubscribeTimeout <= 0 {
		return 5 * time.Second
	}
	return b.config.SubscribeTimeout
}

// Subscribe registers handler and waits for SUBACK with timeout. The
// subscription is remembered and restored after every reconnect.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, ErrNotInitialized
	}
	// wrapper that converts paho message to our handler and logs panics without crashing
	onMessageHandler := func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "clientId", b.config.ClientID, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
	token := b.client.Subscribe(topic, byte(qos), onMessageHandler)

	timeout := b.subscribeTimeout()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.subs[topic] = subscription{qos: qos, handler: onMessageHandler}
		b.mu.Unlock()

		return &msgSubscription{broker: b, topic: topic}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("subscribe timeout for %s", topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscription wrapper
type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()

	token := b.client.Unsubscribe(s.topic)
	timeout := 3 * time.Second
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
