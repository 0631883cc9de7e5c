package testutil

import (
	"context"
	"sync"

	"github.com/HerbHall/naspanel/internal/broker"
)

// Compile-time interface check.
var _ broker.Connection = (*MockBroker)(nil)

// Message is one payload recorded by MockBroker.
type Message struct {
	Topic   string
	Payload []byte
}

// MockBroker is a thread-safe in-memory broker connection that records every
// call for later inspection.
type MockBroker struct {
	mu         sync.Mutex
	connectErr []error
	publishErr error
	connects   int
	closes     int
	connected  bool
	messages   []Message
	attempts   int
	onPublish  func(attempt int)
}

// NewMockBroker returns a MockBroker that accepts every connect and publish.
func NewMockBroker() *MockBroker {
	return &MockBroker{}
}

// FailConnect makes the next len(errs) Connect calls return the given errors
// in order, wrapped in *broker.ConnectError.
func (b *MockBroker) FailConnect(errs ...error) *MockBroker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = append(b.connectErr, errs...)
	return b
}

// FailPublish makes every Publish return err wrapped in *broker.PublishError.
// A nil err restores successful publishing.
func (b *MockBroker) FailPublish(err error) *MockBroker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
	return b
}

// OnPublish registers fn to run on every publish attempt with its
// one-based attempt number.
func (b *MockBroker) OnPublish(fn func(attempt int)) *MockBroker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
	return b
}

// Connect records a connection attempt.
func (b *MockBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErr) > 0 {
		err := b.connectErr[0]
		b.connectErr = b.connectErr[1:]
		return &broker.ConnectError{Addr: "mock:1883", Err: err}
	}
	b.connected = true
	return nil
}

// Publish records a message.
func (b *MockBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	b.attempts++
	attempt := b.attempts
	hook := b.onPublish
	var err error
	switch {
	case !b.connected:
		err = &broker.PublishError{Topic: topic, Err: broker.ErrNotConnected}
	case b.publishErr != nil:
		err = &broker.PublishError{Topic: topic, Err: b.publishErr}
	default:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		b.messages = append(b.messages, Message{Topic: topic, Payload: cp})
	}
	b.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	return err
}

// Close records a teardown.
func (b *MockBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	b.connected = false
	return nil
}

// Messages returns a copy of all successfully published messages.
func (b *MockBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Attempts returns the number of Publish calls, successful or not.
func (b *MockBroker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Connects returns the number of Connect calls.
func (b *MockBroker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Closes returns the number of Close calls.
func (b *MockBroker) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}
