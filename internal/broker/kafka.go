package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"
)

// Kafka publishes snapshots as Kafka records. The broker topic is used as the
// Kafka topic and the record key is empty so records spread across
// partitions by the writer's balancer.
type Kafka struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	writer *kafka.Writer
}

// Compile-time guard.
var _ Connection = (*Kafka)(nil)

// NewKafka creates a Kafka connection. Seed brokers come from
// cfg.KafkaBrokers, falling back to cfg.Addr().
func NewKafka(cfg Config, logger *zap.Logger) *Kafka {
	return &Kafka{cfg: cfg, logger: logger}
}

func (k *Kafka) brokers() []string {
	if len(k.cfg.KafkaBrokers) > 0 {
		return k.cfg.KafkaBrokers
	}
	return []string{k.cfg.Addr()}
}

func (k *Kafka) dialer() *kafka.Dialer {
	d := &kafka.Dialer{Timeout: k.cfg.Timeout, DualStack: true, ClientID: k.cfg.ClientID}
	if !k.cfg.Anonymous() {
		d.SASLMechanism = plain.Mechanism{Username: k.cfg.Username, Password: k.cfg.Password}
	}
	return d
}

// Connect dials the seed brokers so an unreachable cluster fails fast; the
// writer itself connects lazily.
func (k *Kafka) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()

	brokers := k.brokers()
	var errs []error
	dialer := k.dialer()
	for _, b := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()

		transport := &kafka.Transport{DialTimeout: k.cfg.Timeout, ClientID: k.cfg.ClientID}
		if dialer.SASLMechanism != nil {
			transport.SASL = dialer.SASLMechanism
		}
		k.mu.Lock()
		k.writer = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           k.cfg.Timeout,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		}
		k.mu.Unlock()
		k.logger.Info("connected to Kafka", zap.String("broker", b))
		return nil
	}
	return &ConnectError{Addr: fmt.Sprint(brokers), Err: errors.Join(errs...)}
}

// Publish implements Connection.
func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	k.mu.Lock()
	w := k.writer
	k.mu.Unlock()
	if w == nil {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Close implements Connection.
func (k *Kafka) Close() error {
	k.mu.Lock()
	w := k.writer
	k.writer = nil
	k.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
