package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"netsync/internal/config"
)

// Presence topic and payloads shared by the will and the connect announcement.
const (
	TopicConnected  = "net/connected"
	PresenceOnline  = "1"
	PresenceOffline = "0"
)

// MQTTTransport is a Transport over an MQTT broker. Reconnection is left to
// the client library; every reconnect is reported through Handler.OnConnect
// so subscriptions can be issued again.
type MQTTTransport struct {
	cfg    config.MQTTConfig
	broker string
	logger *slog.Logger

	presence bool

	mu     sync.Mutex
	client mqtt.Client
}

// MQTTOption configures an MQTTTransport.
type MQTTOption func(*MQTTTransport)

// WithoutPresence skips the will and the offline announcement. Clients
// that only talk to a device must not claim its presence topic.
func WithoutPresence() MQTTOption {
	return func(t *MQTTTransport) {
		t.presence = false
	}
}

// NewMQTTTransport creates a transport for broker. An empty broker falls
// back to the configured one.
func NewMQTTTransport(cfg config.MQTTConfig, broker string, logger *slog.Logger, opts ...MQTTOption) *MQTTTransport {
	if broker == "" {
		broker = cfg.Broker
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &MQTTTransport{
		cfg:      cfg,
		broker:   broker,
		presence: true,
		logger:   logger.With("component", "mqtt"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MQTTTransport) options(h Handler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetKeepAlive(t.cfg.KeepAlive).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetWriteTimeout(t.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	if t.presence {
		opts.SetWill(t.cfg.Topic(TopicConnected), PresenceOffline, 0, true)
	}

	if t.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: t.cfg.InsecureSkipVerify})
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		t.logger.Info("connected to broker", "broker", t.broker, "client_id", t.cfg.ClientID)
		h.OnConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn("connection to broker lost", "error", err)
		h.OnDisconnect(err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		t.logger.Debug("reconnecting to broker", "broker", t.broker)
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		payload := m.Payload()
		h.OnMessage(Message{
			Topic:     m.Topic(),
			Payload:   payload,
			QoS:       m.Qos(),
			Retained:  m.Retained(),
			Duplicate: m.Duplicate(),
			Total:     len(payload),
		})
	})
	return opts
}

// Connect starts the client. The first connection attempt is retried in
// the background until it succeeds or the transport is closed.
func (t *MQTTTransport) Connect(ctx context.Context, h Handler) error {
	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return fmt.Errorf("mqtt transport already started")
	}
	client := mqtt.NewClient(t.options(h))
	t.client = client
	t.mu.Unlock()

	t.logger.Info("connecting to broker", "broker", t.broker)
	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				t.logger.Error("failed to connect to broker", "broker", t.broker, "error", err)
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func (t *MQTTTransport) current() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *MQTTTransport) Connected() bool {
	c := t.current()
	return c != nil && c.IsConnectionOpen()
}

// Publish hands the message to the client without waiting for the broker.
func (t *MQTTTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	c := t.current()
	if c == nil || !c.IsConnectionOpen() {
		return ErrNotConnected
	}
	return immediate(c.Publish(topic, qos, retain, payload))
}

// Subscribe routes matching messages to the handler given to Connect.
func (t *MQTTTransport) Subscribe(topic string, qos byte) error {
	c := t.current()
	if c == nil || !c.IsConnectionOpen() {
		return ErrNotConnected
	}
	return immediate(c.Subscribe(topic, qos, nil))
}

// Close publishes the offline presence, if enabled, and disconnects.
func (t *MQTTTransport) Close() error {
	c := t.current()
	if c == nil {
		return nil
	}
	if t.presence && c.IsConnectionOpen() {
		token := c.Publish(t.cfg.Topic(TopicConnected), 0, true, PresenceOffline)
		token.WaitTimeout(time.Second)
	}
	c.Disconnect(250)
	return nil
}

// immediate returns a token's error if it already completed, nil otherwise.
func immediate(token mqtt.Token) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt request failed: %w", err)
		}
		return nil
	default:
		return nil
	}
}
