// Package publisher drives the fixed-interval collect-and-publish loop and
// owns the broker connection for its whole lifetime.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/broker"
	"github.com/HerbHall/naspanel/internal/provider"
	"github.com/HerbHall/naspanel/internal/snapshot"
)

const maxRetryBackoff = 30 * time.Second

// Options configures a Loop.
type Options struct {
	Topic          string
	Interval       time.Duration
	CollectTimeout time.Duration
	PublishTimeout time.Duration
	// ConnectRetries is the number of extra connection attempts made after
	// the first one fails. Zero makes a failed first connect fatal.
	ConnectRetries int
	// RetryBackoff is the delay before the first retry; it doubles up to
	// 30s.
	RetryBackoff time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Topic:          "nas/stats",
		Interval:       5 * time.Second,
		CollectTimeout: 10 * time.Second,
		PublishTimeout: 10 * time.Second,
		RetryBackoff:   time.Second,
	}
}

// Stats summarises the loop's activity.
type Stats struct {
	Ticks           uint64    `json:"ticks"`
	Published       uint64    `json:"published"`
	PublishFailures uint64    `json:"publish_failures"`
	CollectFailures uint64    `json:"collect_failures"`
	LastPublish     time.Time `json:"last_publish,omitempty"`
}

// Loop collects a snapshot from a provider every interval and publishes it
// through a broker connection. All collection and publishing happens on the
// goroutine that calls Run.
type Loop struct {
	opts     Options
	provider provider.Provider
	conn     broker.Connection
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	cancel      context.CancelFunc
	state       State
	lastPayload []byte
	stats       Stats
}

// New creates a Loop. A nil metrics gets an unregistered set.
func New(opts Options, p provider.Provider, conn broker.Connection, metrics *Metrics, logger *zap.Logger) *Loop {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Loop{
		opts:     opts,
		provider: p,
		conn:     conn,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run connects to the broker and publishes a snapshot immediately and then
// every interval until ctx is cancelled. It returns the *broker.ConnectError
// when the broker cannot be reached; otherwise it returns nil after closing
// the connection.
//
// Cancellation is only observed between ticks: a tick that has started
// always finishes its collect and publish.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.Interval <= 0 {
		return fmt.Errorf("publish interval must be positive, got %s", l.opts.Interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.logger.Info("publisher starting",
		zap.String("provider", l.provider.Name()),
		zap.String("topic", l.opts.Topic),
		zap.Duration("interval", l.opts.Interval),
	)

	l.setState(StateConnecting)
	if err := l.connect(ctx); err != nil {
		l.setState(StateDisconnected)
		return err
	}
	l.setState(StateConnected)
	defer l.shutdown()

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	if ctx.Err() == nil {
		l.tick(ctx)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			l.tick(ctx)
		}
	}
}

// connect makes the initial connection attempt plus up to ConnectRetries
// retries with exponential backoff.
func (l *Loop) connect(ctx context.Context) error {
	backoff := l.opts.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = l.conn.Connect(ctx); err == nil {
			l.metrics.Connected.Set(1)
			return nil
		}
		if attempt >= l.opts.ConnectRetries {
			l.logger.Error("broker connection failed", zap.Error(err))
			return err
		}
		l.logger.Warn("broker connection failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &broker.ConnectError{Addr: connectAddr(err), Err: ctx.Err()}
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func connectAddr(err error) string {
	var cerr *broker.ConnectError
	if errors.As(err, &cerr) {
		return cerr.Addr
	}
	return ""
}

// tick performs one collect-and-publish cycle. Its I/O is detached from the
// stop signal and bounded by the configured timeouts instead.
func (l *Loop) tick(parent context.Context) {
	base := context.WithoutCancel(parent)

	l.mu.Lock()
	l.stats.Ticks++
	l.mu.Unlock()
	l.metrics.Ticks.Inc()

	collectCtx, cancel := context.WithTimeout(base, l.opts.CollectTimeout)
	snap, err := l.provider.Collect(collectCtx)
	cancel()
	if err != nil {
		l.recordCollectFailure()
		l.logger.Warn("metrics collection failed, skipping tick", zap.Error(err))
		return
	}

	snap.Normalize(l.now())
	payload, err := snap.Encode()
	if err != nil {
		l.recordCollectFailure()
		l.logger.Error("snapshot encoding failed", zap.Error(err))
		return
	}

	publishCtx, cancel := context.WithTimeout(base, l.opts.PublishTimeout)
	err = l.conn.Publish(publishCtx, l.opts.Topic, payload)
	cancel()
	if err != nil {
		l.mu.Lock()
		l.stats.PublishFailures++
		l.mu.Unlock()
		l.metrics.PublishFailures.Inc()
		l.logger.Warn("publish failed", zap.String("topic", l.opts.Topic), zap.Error(err))
		return
	}

	now := l.now()
	l.mu.Lock()
	l.stats.Published++
	l.stats.LastPublish = now
	l.lastPayload = payload
	l.mu.Unlock()
	l.metrics.Published.Inc()
	l.metrics.LastPublish.Set(float64(now.Unix()))

	l.logger.Info("published snapshot",
		zap.Float64("cpu_usage", snap.CPU.Usage),
		zap.Float64("memory_usage", snap.Memory.Usage),
		zap.Int("bytes", len(payload)),
	)
}

func (l *Loop) recordCollectFailure() {
	l.mu.Lock()
	l.stats.CollectFailures++
	l.mu.Unlock()
	l.metrics.CollectFailures.Inc()
}

// shutdown closes the broker connection. It runs exactly once per
// successful Run.
func (l *Loop) shutdown() {
	l.logger.Info("publisher shutting down")
	if err := l.conn.Close(); err != nil {
		l.logger.Warn("broker close failed", zap.Error(err))
	}
	l.metrics.Connected.Set(0)
	l.setState(StateDisconnected)
}

// Stop asks a running loop to exit after its current tick.
func (l *Loop) Stop() {
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// State returns the current connection state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// LastSnapshot returns the most recently published snapshot, or nil before
// the first successful publish.
func (l *Loop) LastSnapshot() *snapshot.Snapshot {
	l.mu.RLock()
	payload := l.lastPayload
	l.mu.RUnlock()
	if payload == nil {
		return nil
	}
	s, err := snapshot.Decode(payload)
	if err != nil {
		return nil
	}
	return s
}

// LastPayload returns the wire form of the most recently published snapshot.
func (l *Loop) LastPayload() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastPayload == nil {
		return nil
	}
	out := make([]byte, len(l.lastPayload))
	copy(out, l.lastPayload)
	return out
}
