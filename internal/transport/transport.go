// Package transport abstracts the publish/subscribe bus agents talk over:
// either the embedded broker or an external MQTT broker reached with paho.
package transport

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/mqttbroker"
)

// Message is a publish delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for one subscription. Calls for a single
// subscription are made in arrival order.
type Handler func(context.Context, Message)

// Bus is the publish/subscribe surface used by ingestion and commands.
type Bus interface {
	Subscribe(filter string, h Handler) (unsubscribe func(), err error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Embedded adapts the in-process broker to Bus.
type Embedded struct {
	broker *mqttbroker.Broker
}

// NewEmbedded wraps broker.
func NewEmbedded(broker *mqttbroker.Broker) *Embedded {
	return &Embedded{broker: broker}
}

// Subscribe implements Bus.
func (e *Embedded) Subscribe(filter string, h Handler) (func(), error) {
	unsubscribe, err := e.broker.Subscribe(filter, func(ctx context.Context, msg mqttbroker.PublishMessage) {
		h(ctx, Message{Topic: msg.Topic, Payload: msg.Payload})
	})
	return unsubscribe, errors.Trace(err)
}

// Publish implements Bus.
func (e *Embedded) Publish(_ context.Context, topic string, payload []byte) error {
	return errors.Annotatef(e.broker.Publish(topic, payload), "publish %s", topic)
}

// PahoConfig configures a connection to an external broker.
type PahoConfig struct {
	Broker   string
	ClientID string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Paho is a Bus backed by an external MQTT broker.
type Paho struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *slog.Logger
}

// DialPaho connects to the configured broker. Message order is preserved per
// subscription and the client reconnects on its own after a drop.
func DialPaho(cfg PahoConfig) (*Paho, error) {
	if cfg.Broker == "" {
		return nil, errors.NotValidf("empty broker address")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger.With("component", "transport", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, errors.Timeoutf("connect to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "connect to %s", cfg.Broker)
	}
	return &Paho{client: client, timeout: cfg.Timeout, logger: logger}, nil
}

// Subscribe implements Bus.
func (p *Paho) Subscribe(filter string, h Handler) (func(), error) {
	token := p.client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		h(context.Background(), Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if err := p.wait(token); err != nil {
		return nil, errors.Annotatef(err, "subscribe %s", filter)
	}
	return func() {
		if err := p.wait(p.client.Unsubscribe(filter)); err != nil {
			p.logger.Debug("unsubscribe failed", "filter", filter, "error", err)
		}
	}, nil
}

// Publish implements Bus.
func (p *Paho) Publish(_ context.Context, topic string, payload []byte) error {
	return errors.Annotatef(p.wait(p.client.Publish(topic, 0, false, payload)), "publish %s", topic)
}

// Close disconnects from the broker.
func (p *Paho) Close() {
	p.client.Disconnect(250)
}

func (p *Paho) wait(token mqtt.Token) error {
	if !token.WaitTimeout(p.timeout) {
		return errors.Timeoutf("mqtt operation")
	}
	return token.Error()
}
