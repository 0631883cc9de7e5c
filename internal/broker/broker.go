// Package broker provides the publish-only connections snapshots are
// delivered through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Broker kinds accepted by New.
const (
	KindMQTT  = "mqtt"
	KindKafka = "kafka"
	KindRedis = "redis"
)

// ErrNotConnected is returned by Publish before Connect succeeds or after
// Close.
var ErrNotConnected = errors.New("broker: not connected")

// Connection is a persistent publish-capable connection to a message broker.
// A Connection is owned by a single caller and is not safe for concurrent
// Publish calls.
type Connection interface {
	// Connect establishes the connection, bounded by the configured timeout.
	// Failures are reported as *ConnectError.
	Connect(ctx context.Context) error
	// Publish delivers payload to topic at most once. Failures are reported
	// as *PublishError.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// ConnectError reports that the broker could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to broker %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PublishError reports that a single publish failed.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Config holds connection settings shared by all broker kinds.
type Config struct {
	Kind           string
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	Timeout        time.Duration
	KafkaBrokers   []string
	RedisAddr      string
	RedisDB        int
	Discover       bool
	ConnectRetries int
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Anonymous reports whether no credentials are configured.
func (c Config) Anonymous() bool {
	return c.Username == "" && c.Password == ""
}

// New returns the Connection selected by cfg.Kind. No network I/O happens
// until Connect.
func New(cfg Config, logger *zap.Logger) (Connection, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindMQTT:
		return NewMQTT(cfg, logger), nil
	case KindKafka:
		return NewKafka(cfg, logger), nil
	case KindRedis:
		return NewRedis(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}
