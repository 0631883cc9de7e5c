package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes snapshots with PUBLISH on a channel named after the topic.
type Redis struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client *redis.Client
}

// Compile-time guard.
var _ Connection = (*Redis)(nil)

// NewRedis creates a Redis pub/sub connection to cfg.RedisAddr, falling back
// to cfg.Addr().
func NewRedis(cfg Config, logger *zap.Logger) *Redis {
	return &Redis{cfg: cfg, logger: logger}
}

func (r *Redis) addr() string {
	if r.cfg.RedisAddr != "" {
		return r.cfg.RedisAddr
	}
	return r.cfg.Addr()
}

// Connect implements Connection.
func (r *Redis) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         r.addr(),
		Username:     r.cfg.Username,
		Password:     r.cfg.Password,
		DB:           r.cfg.RedisDB,
		ClientName:   r.cfg.ClientID,
		DialTimeout:  r.cfg.Timeout,
		ReadTimeout:  r.cfg.Timeout,
		WriteTimeout: r.cfg.Timeout,
		MaxRetries:   -1,
	})

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return &ConnectError{Addr: r.addr(), Err: err}
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	r.logger.Info("connected to Redis", zap.String("addr", r.addr()))
	return nil
}

// Publish implements Connection. Redis pub/sub is fire-and-forget, matching
// the at-most-once delivery of the MQTT transport.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Close implements Connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
