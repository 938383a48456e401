package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	nodemqtt "github.com/fisaks/fieldnode/internal/mqtt"
	"github.com/fisaks/fieldnode/internal/node"
)

// nodes remembers announced sensor types so telemetry lines can show units.
var nodes = map[string]map[string]string{}

var units = map[string]string{
	"temperature":   "°C",
	"soil_moisture": "%",
	"light":         "lx",
}

func readAnnounce(payload []byte) (string, error) {
	var msg node.AnnounceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	types := make(map[string]string, len(msg.Sensors))
	for _, s := range msg.Sensors {
		types[s.ID] = s.Type
	}
	nodes[msg.DeviceUID] = types
	out, err := json.Marshal(msg)
	return string(out), err
}

func formatTelemetry(payload []byte) (string, error) {
	var msg node.TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(msg.Sensors))
	for _, r := range msg.Sensors {
		if r.Value == nil {
			parts = append(parts, r.ID+"=null")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%g%s", r.ID, *r.Value, units[r.Type]))
	}
	return msg.DeviceUID + " " + strings.Join(parts, " "), nil
}

func format(topic string, payload []byte) (string, error) {
	switch {
	case strings.HasSuffix(topic, "/node"):
		return readAnnounce(payload)
	case strings.HasSuffix(topic, "/data"):
		return formatTelemetry(payload)
	case strings.HasSuffix(topic, "/status"):
		return string(payload), nil
	}
	// Compact, one-line JSON for commands and pump state
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return string(payload), nil
	}
	out, err := json.Marshal(obj)
	return string(out), err
}

func printMessage(_ mqtt.Client, msg mqtt.Message) {
	ts := time.Now().Format(time.TimeOnly)
	line, err := format(msg.Topic(), msg.Payload())
	if err != nil {
		fmt.Printf("%s %s %s (error: %v)\n", ts, msg.Topic(), string(msg.Payload()), err)
		return
	}
	retained := ""
	if msg.Retained() {
		retained = " [retained]"
	}
	fmt.Printf("%s %s%s %s\n", ts, msg.Topic(), retained, line)
}

func main() {
	var broker, topics string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topics, "topic", "sensors/#,pump/#", "comma separated MQTT topic filters")
	flag.Parse()

	client, err := nodemqtt.Dial(nodemqtt.DialOptions{
		Broker:       broker,
		ClientPrefix: "fieldnode-monitor",
		Timeout:      10 * time.Second,
		OrderMatters: true,
		OnMessage:    printMessage,
	})
	if err != nil {
		log.Fatal(err)
	}
	filters := map[string]byte{}
	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filters[t] = 0
		}
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topics)

	if err := nodemqtt.Subscribe(client, filters, nil, 10*time.Second); err != nil {
		log.Fatal(err)
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
