package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mqttKeepAlive     = 60 * time.Second
	mqttQuiesceMillis = 250
	mqttQoS           = 0
)

var errTimeout = errors.New("timed out")

// MQTT publishes over an MQTT 3.1.1 connection using the Eclipse Paho client.
type MQTT struct {
	cfg       Config
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// Compile-time guard.
var _ Connection = (*MQTT)(nil)

// NewMQTT creates an MQTT connection. A client id is generated when
// cfg.ClientID is empty.
func NewMQTT(cfg Config, logger *zap.Logger) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "nas-publisher-" + uuid.NewString()[:8]
	}
	return &MQTT{cfg: cfg, logger: logger, newClient: mqtt.NewClient}
}

// options builds the Paho client options. Auto-reconnect only applies once
// the first connection succeeded.
func (m *MQTT) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Addr())).
		SetClientID(m.cfg.ClientID).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(m.cfg.Timeout).
		SetWriteTimeout(m.cfg.Timeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(func(mqtt.Client) {
			m.logger.Info("connected to MQTT broker", zap.String("addr", m.cfg.Addr()))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("lost connection to MQTT broker", zap.String("addr", m.cfg.Addr()), zap.Error(err))
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			m.logger.Info("reconnecting to MQTT broker", zap.String("addr", m.cfg.Addr()))
		})
	if !m.cfg.Anonymous() {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	return opts
}

// Connect implements Connection.
func (m *MQTT) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client := m.newClient(m.options())
	if err := waitToken(ctx, client.Connect(), m.cfg.Timeout); err != nil {
		// A timed-out client keeps dialing in the background under the same
		// client id; stop it before a retry creates another.
		client.Disconnect(0)
		return &ConnectError{Addr: m.cfg.Addr(), Err: err}
	}
	m.client = client
	return nil
}

// Publish implements Connection. Messages are sent with QoS 0 and without
// the retain flag.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	if err := waitToken(ctx, client.Publish(topic, mqttQoS, false, payload), m.cfg.Timeout); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Close implements Connection.
func (m *MQTT) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		client.Disconnect(mqttQuiesceMillis)
		m.logger.Info("disconnected from MQTT broker", zap.String("addr", m.cfg.Addr()))
	}
	return nil
}

// waitToken waits for a Paho token to complete, the context to end, or the
// timeout to elapse, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTimeout
	}
}
