package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/fieldnode/internal/command"
	nodemqtt "github.com/fisaks/fieldnode/internal/mqtt"
	"github.com/fisaks/fieldnode/internal/node"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	nodeID   string
	broker   string
	username string
	password string
	watch    bool
	timeout  time.Duration

	rootCmd = &cobra.Command{
		Use:          "pumpctl",
		Short:        "Drive the pump of a field node over MQTT.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if nodeID == "" {
				return errors.New("--node is required")
			}
			return nil
		},
	}
)

func connect() (mqtt.Client, error) {
	return nodemqtt.Dial(nodemqtt.DialOptions{
		Broker:       broker,
		ClientPrefix: "pumpctl",
		Username:     username,
		Password:     password,
		Timeout:      timeout,
	})
}

func send(cmd command.Command) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	cmd.ID = uuid.NewString()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	topic := node.TopicsFor(node.NewIdentity(nodeID)).Command
	if err := nodemqtt.Publish(client, topic, 1, false, payload, timeout); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", topic, payload)
	return nil
}

func status() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	msgs := make(chan []byte, 8)
	topic := node.TopicsFor(node.NewIdentity(nodeID)).PumpState
	err = nodemqtt.Subscribe(client, map[string]byte{topic: 1}, forward(msgs), timeout)
	if err != nil {
		return err
	}
	defer func() { client.Unsubscribe(topic).WaitTimeout(timeout) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case p := <-msgs:
			var st node.PumpStateMessage
			if err := json.Unmarshal(p, &st); err != nil {
				fmt.Printf("%s %s (error: %v)\n", topic, p, err)
			} else {
				printState(st)
			}
			if !watch {
				return nil
			}
		case <-time.After(timeout):
			if !watch {
				return fmt.Errorf("no state on %s within %s", topic, timeout)
			}
		case <-sigCh:
			return nil
		}
	}
}

// forward never blocks paho's router: once the reader has gone away, or
// while it is behind, extra payloads are dropped.
func forward(msgs chan<- []byte) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		select {
		case msgs <- m.Payload():
		default:
		}
	}
}

func printState(st node.PumpStateMessage) {
	line := fmt.Sprintf("%s %-8s active=%t hardware=%t", st.Timestamp.Local().Format(time.TimeOnly), st.State, st.Active, st.HardwarePresent)
	if st.RunID != "" {
		line += fmt.Sprintf(" run=%s (%gs)", st.RunID, st.RunSeconds)
	}
	fmt.Println(line)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&nodeID, "node", "n", os.Getenv("DEVICE_ID"), "node identity")
	pf.StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker address")
	pf.StringVarP(&username, "username", "u", os.Getenv("MQTT_USERNAME"), "MQTT username")
	pf.StringVar(&password, "password", os.Getenv("MQTT_PASSWORD"), "MQTT password")
	pf.DurationVar(&timeout, "timeout", 5*time.Second, "broker round-trip timeout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "on",
		Short: "Switch the pump on until told otherwise.",
		Args:  cobra.NoArgs,
		RunE:  func(*cobra.Command, []string) error { return send(command.Command{Action: command.ActionOn}) },
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "off",
		Short: "Switch the pump off, cancelling any timed run.",
		Args:  cobra.NoArgs,
		RunE:  func(*cobra.Command, []string) error { return send(command.Command{Action: command.ActionOff}) },
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run SECONDS",
		Short: "Run the pump for SECONDS (the node clamps to its limit).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			secs, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("seconds: %w", err)
			}
			return send(command.Command{Action: command.ActionRun, Seconds: secs})
		},
	})
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the retained pump state.",
		Args:  cobra.NoArgs,
		RunE:  func(*cobra.Command, []string) error { return status() },
	}
	statusCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing state changes")
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
