// Package snapshot defines the point-in-time metrics document published to
// the display panel, along with its normalization and wire encoding.
package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ExpectedDisks is the number of disk slots the panel renders.
const ExpectedDisks = 6

// TimestampLayout is the ISO-8601 layout used for the timestamp field.
const TimestampLayout = time.RFC3339

// DiskStatus is the health of a single disk slot.
type DiskStatus string

// Disk statuses understood by the panel.
const (
	DiskNormal  DiskStatus = "normal"
	DiskWarning DiskStatus = "warning"
	DiskError   DiskStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s DiskStatus) Valid() bool {
	switch s {
	case DiskNormal, DiskWarning, DiskError:
		return true
	}
	return false
}

// ParseDiskStatus converts a string into a DiskStatus.
func ParseDiskStatus(s string) (DiskStatus, error) {
	ds := DiskStatus(s)
	if !ds.Valid() {
		return "", fmt.Errorf("unknown disk status %q", s)
	}
	return ds, nil
}

// Snapshot is one collection of host metrics. It is built fresh on every
// tick and discarded after encoding.
type Snapshot struct {
	Hostname  string  `json:"hostname"`
	IP        string  `json:"ip"`
	Timestamp string  `json:"timestamp"`
	CPU       CPU     `json:"cpu"`
	Memory    Memory  `json:"memory"`
	Storage   Storage `json:"storage"`
	Network   Network `json:"network"`
}

// CPU holds processor utilisation in percent and temperature in °C.
type CPU struct {
	Usage       float64 `json:"usage"`
	Temperature float64 `json:"temperature"`
}

// Memory holds RAM figures; byte counts are absolute.
type Memory struct {
	Usage       float64 `json:"usage"`
	Temperature float64 `json:"temperature"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
}

// Storage holds pool capacity in bytes and the per-slot disk states.
type Storage struct {
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
	Free     uint64 `json:"free"`
	Disks    []Disk `json:"disks"`
}

// Disk is one slot on the panel.
type Disk struct {
	ID     string     `json:"id"`
	Status DiskStatus `json:"status"`
}

// Network holds throughput in bytes per second.
type Network struct {
	Upload   float64 `json:"upload"`
	Download float64 `json:"download"`
}

// DiskID returns the synthetic id for the slot at zero-based index i.
func DiskID(i int) string {
	return fmt.Sprintf("hdd%d", i+1)
}

// Normalize enforces the invariants the panel relies on: usage within
// [0,100], exactly ExpectedDisks disk entries, free derived from capacity
// when missing, and a timestamp.
func (s *Snapshot) Normalize(now time.Time) {
	s.CPU.Usage = ClampPercent(s.CPU.Usage)
	s.Memory.Usage = ClampPercent(s.Memory.Usage)
	s.CPU.Temperature = finite(s.CPU.Temperature)
	s.Memory.Temperature = finite(s.Memory.Temperature)
	s.Network.Upload = nonNegative(s.Network.Upload)
	s.Network.Download = nonNegative(s.Network.Download)

	if s.Storage.Free == 0 && s.Storage.Used <= s.Storage.Capacity {
		s.Storage.Free = s.Storage.Capacity - s.Storage.Used
	}
	s.Storage.Disks = FitDisks(s.Storage.Disks)

	if s.Timestamp == "" {
		s.Timestamp = now.Format(TimestampLayout)
	}
}

// FitDisks pads or truncates disks to ExpectedDisks entries. Padding slots
// are normal; blank ids and unknown statuses are repaired in place.
func FitDisks(disks []Disk) []Disk {
	out := make([]Disk, ExpectedDisks)
	for i := range out {
		out[i] = Disk{ID: DiskID(i), Status: DiskNormal}
		if i >= len(disks) {
			continue
		}
		if disks[i].ID != "" {
			out[i].ID = disks[i].ID
		}
		if disks[i].Status.Valid() {
			out[i].Status = disks[i].Status
		}
	}
	return out
}

// ClampPercent bounds v to [0,100]. NaN maps to 0.
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNegative(v float64) float64 {
	v = finite(v)
	if v < 0 {
		return 0
	}
	return v
}

// Encode returns the compact JSON wire form.
func (s *Snapshot) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// Decode parses a wire payload.
func Decode(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for i, d := range s.Storage.Disks {
		if !d.Status.Valid() {
			return nil, fmt.Errorf("decode snapshot: disk %d: unknown status %q", i, d.Status)
		}
	}
	return &s, nil
}
