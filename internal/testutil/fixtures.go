package testutil

import "github.com/HerbHall/naspanel/internal/snapshot"

// NewSnapshot returns a Snapshot with sensible defaults, suitable for test
// fixtures. Override individual fields with opts.
func NewSnapshot(opts ...func(*snapshot.Snapshot)) snapshot.Snapshot {
	s := snapshot.Snapshot{
		Hostname: "test-nas",
		IP:       "192.168.1.100",
		CPU:      snapshot.CPU{Usage: 42.3, Temperature: 50},
		Memory: snapshot.Memory{
			Usage:       67.0,
			Temperature: 35,
			Total:       8 << 30,
			Used:        5 << 30,
			Available:   3 << 30,
		},
		Storage: snapshot.Storage{
			Capacity: 1000000000000,
			Used:     400000000000,
		},
		Network: snapshot.Network{Upload: 1024, Download: 4096},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithHostname sets the snapshot hostname.
func WithHostname(name string) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) { s.Hostname = name }
}

// WithCPUUsage sets the CPU usage percentage.
func WithCPUUsage(v float64) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) { s.CPU.Usage = v }
}

// WithDisks sets the raw disk list.
func WithDisks(disks ...snapshot.Disk) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) { s.Storage.Disks = disks }
}

// WithStorage sets capacity and used bytes and clears free.
func WithStorage(capacity, used uint64) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) {
		s.Storage.Capacity = capacity
		s.Storage.Used = used
		s.Storage.Free = 0
	}
}
