package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/naspanel/internal/provider"
	"github.com/HerbHall/naspanel/internal/snapshot"
)

// Compile-time interface check.
var _ provider.Provider = (*MockProvider)(nil)

// MockProvider returns copies of a fixed snapshot and records when it was
// called.
type MockProvider struct {
	mu    sync.Mutex
	snap  snapshot.Snapshot
	err   error
	calls []time.Time
	delay time.Duration
}

// NewMockProvider returns a MockProvider serving NewSnapshot() unless
// overridden with opts.
func NewMockProvider(opts ...func(*snapshot.Snapshot)) *MockProvider {
	return &MockProvider{snap: NewSnapshot(opts...)}
}

// FailWith makes Collect return err.
func (p *MockProvider) FailWith(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// WithDelay makes Collect block for d, ignoring cancellation like a slow
// read that is already in flight.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

func (p *MockProvider) Name() string { return "mock" }

// Collect returns a copy of the configured snapshot.
func (p *MockProvider) Collect(_ context.Context) (*snapshot.Snapshot, error) {
	p.mu.Lock()
	p.calls = append(p.calls, time.Now())
	delay, err := p.delay, p.err
	s := p.snap
	s.Storage.Disks = append([]snapshot.Disk(nil), p.snap.Storage.Disks...)
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Calls returns the times Collect was invoked.
func (p *MockProvider) Calls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.calls))
	copy(out, p.calls)
	return out
}
