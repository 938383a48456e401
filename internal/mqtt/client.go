// Package mqtt holds the short-lived paho clients used by the command line
// tools. The node itself goes through internal/messaging.
package mqtt

// cSpell:ignore mqtt
import (
	"errors"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

var ErrTimeout = errors.New("mqtt: timed out")

type DialOptions struct {
	Broker       string
	ClientPrefix string
	Username     string
	Password     string
	Timeout      time.Duration
	// OnMessage receives messages of subscriptions made with a nil callback.
	OnMessage MQTT.MessageHandler
	// OrderMatters keeps OnMessage calls in arrival order.
	OrderMatters bool
}

func (o DialOptions) clientOptions() *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions().AddBroker(o.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", o.ClientPrefix, time.Now().UnixNano()))
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetOrderMatters(o.OrderMatters)
	if o.OnMessage != nil {
		opts.SetDefaultPublishHandler(o.OnMessage)
	}
	return opts
}

// Dial connects and waits at most o.Timeout for the CONNACK.
func Dial(o DialOptions) (MQTT.Client, error) {
	c := MQTT.NewClient(o.clientOptions())
	if err := wait(c.Connect(), o.Timeout); err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.Broker, err)
	}
	return c, nil
}

// Publish sends payload and waits for the broker to acknowledge it.
func Publish(c MQTT.Client, topic string, qos byte, retain bool, payload []byte, timeout time.Duration) error {
	if err := wait(c.Publish(topic, qos, retain, payload), timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func Subscribe(c MQTT.Client, filters map[string]byte, cb MQTT.MessageHandler, timeout time.Duration) error {
	if err := wait(c.SubscribeMultiple(filters, cb), timeout); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func wait(t MQTT.Token, timeout time.Duration) error {
	if timeout <= 0 {
		t.Wait()
		return t.Error()
	}
	if !t.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return t.Error()
}
