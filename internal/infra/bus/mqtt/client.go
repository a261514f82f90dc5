// Package mqtt adapts the paho MQTT client to the bus ports. Deliveries use
// QoS 1 with a persistent session and manual acks: a handler that never acks
// leaves the message inflight, and the broker redelivers it on reconnect.
// That redelivery is the only retry mechanism deferred items rely on.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tkuiper/audiofleet/internal/domain/bus"
)

const (
	qosAtLeastOnce = 1

	connectTimeout    = 30 * time.Second
	publishTimeout    = 10 * time.Second
	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 250 // ms, paho's own unit
)

// Config holds the connection settings for the MQTT bus.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type Client struct {
	config   Config
	internal pahomqtt.Client
	mu       sync.Mutex
	log      *slog.Logger
}

// NewClient prepares a bus client. Connect must be called before use.
func NewClient(cfg Config) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "audiofleet-" + uuid.NewString()[:8]
	}
	return &Client{
		config: cfg,
		log:    slog.With("service", "mqtt", "client_id", cfg.ClientID),
	}
}

// Connect establishes the broker session. CleanSession is off so QoS 1
// messages delivered while a worker was down are replayed when it returns.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	// acks are issued by the handlers, not the library
	opts.SetAutoAckDisabled(true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn("connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.log.Info("connected", "broker", c.config.Broker)
	})

	c.internal = pahomqtt.NewClient(opts)

	token := c.internal.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout to %s", c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.config.Broker, err)
	}
	return nil
}

// Publish sends one message at QoS 1 and waits for the broker ack.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	token := c.internal.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	return token.Error()
}

// Subscribe registers h for topic. Each delivery is handed to h exactly as
// received; h owns the ack.
func (c *Client) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	token := c.internal.Subscribe(topic, qosAtLeastOnce, func(_ pahomqtt.Client, m pahomqtt.Message) {
		h(ctx, &message{m: m})
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.log.Info("subscribed", "topic", topic)
	return nil
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal != nil && c.internal.IsConnected()
}

// Disconnect closes the broker session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internal != nil && c.internal.IsConnected() {
		c.internal.Disconnect(disconnectQuiesce)
	}
}

type message struct {
	m pahomqtt.Message
}

func (m *message) Topic() string   { return m.m.Topic() }
func (m *message) Payload() []byte { return m.m.Payload() }
func (m *message) Ack()            { m.m.Ack() }
