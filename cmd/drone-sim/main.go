package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"skyrelay/telemetry-server/internal/command"
	"skyrelay/telemetry-server/internal/config"
	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/synthetic"
)

type readingPayload struct {
	Battery     float64   `json:"battery"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Speed       float64   `json:"speed"`
	Altitude    float64   `json:"altitude"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type responsePayload struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

func main() {
	brokerAddr := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	agents := pflag.StringSlice("agents", []string{"drone-001", "drone-002", "drone-003"}, "agent ids to simulate")
	interval := pflag.Duration("interval", 5*time.Second, "interval between published readings")
	seed := pflag.Int64("seed", time.Now().UnixNano(), "simulation seed")
	names := pflag.StringToString("names", nil, "display names, e.g. drone-001=Hawk")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(*logLevel)}))

	cfg := synthetic.DefaultConfig()
	cfg.Seed = *seed
	cfg.Start = time.Now().UTC()
	cfg.Step = *interval
	gen, err := synthetic.New(cfg)
	if err != nil {
		logger.Error("invalid simulation settings", "error", err)
		os.Exit(1)
	}
	gen.EnsureAgents(*agents...)

	clientID := "drone-sim-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID).SetOrderMatters(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("failed to connect to broker", "broker", *brokerAddr, "error", token.Error())
		os.Exit(1)
	}
	logger.Info("connected to MQTT broker", "broker", *brokerAddr, "client", clientID)

	publish := func(topic string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Error("failed to encode payload", "topic", topic, "error", err)
			return
		}
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Warn("publish error", "topic", topic, "error", err)
		}
	}

	for _, id := range gen.Agents() {
		name := id
		if n, ok := (*names)[id]; ok {
			name = n
		}
		publish(fmt.Sprintf("agents/%s/status", id), map[string]any{"name": name, "status": model.StatusStandby})
		if err := acknowledgeCommands(client, id, publish, logger); err != nil {
			logger.Warn("command subscription failed", "agent", id, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			for _, r := range gen.Tick() {
				publish(fmt.Sprintf("agents/%s/data", r.DroneID), readingPayload{
					Battery:     r.Battery,
					Temperature: r.Temperature,
					Humidity:    r.Humidity,
					Speed:       r.Speed,
					Altitude:    r.Altitude,
					Latitude:    r.Lat,
					Longitude:   r.Lng,
					Status:      string(r.Status),
					Timestamp:   r.Timestamp,
				})
				logger.Debug("published reading", "agent", r.DroneID, "status", r.Status, "battery", r.Battery)
			}
		}
	}
}

// acknowledgeCommands answers every command sent to id with a successful response.
func acknowledgeCommands(client mqtt.Client, id string, publish func(string, any), logger *slog.Logger) error {
	token := client.Subscribe(command.Topic(id), 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd struct {
			Command   string `json:"command"`
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			logger.Warn("undecodable command", "agent", id, "error", err)
			return
		}
		logger.Info("command received", "agent", id, "command", cmd.Command, "request", cmd.RequestID)
		// Never wait on a publish token inside an ordered handler.
		go publish(fmt.Sprintf("agents/%s/response", id), responsePayload{
			RequestID: cmd.RequestID,
			Command:   cmd.Command,
			Success:   true,
			Message:   "simulated " + cmd.Command,
		})
	})
	token.Wait()
	return errors.Trace(token.Error())
}
