package provider

import (
	"time"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// rateMeter turns a monotonically increasing byte counter into bytes per
// second between consecutive samples.
type rateMeter struct {
	primed bool
	last   uint64
	at     time.Time
}

// rate records counter at now and returns the rate since the previous
// sample. The first sample and counter resets yield 0.
func (m *rateMeter) rate(counter uint64, now time.Time) float64 {
	defer func() {
		m.primed = true
		m.last = counter
		m.at = now
	}()
	if !m.primed || counter < m.last {
		return 0
	}
	dt := now.Sub(m.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(counter-m.last) / dt
}

// cpuMeter turns cumulative CPU time counters into a busy percentage.
type cpuMeter struct {
	primed    bool
	lastTotal float64
	lastIdle  float64
}

// percent records the counters and returns busy time since the previous
// sample, or since boot on the first call.
func (m *cpuMeter) percent(total, idle float64) float64 {
	dTotal, dIdle := total, idle
	if m.primed {
		dTotal = total - m.lastTotal
		dIdle = idle - m.lastIdle
	}
	m.primed = true
	m.lastTotal, m.lastIdle = total, idle

	if dTotal <= 0 {
		return 0
	}
	return snapshot.ClampPercent((dTotal - dIdle) / dTotal * 100)
}
