package provider

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// cpuSensorHints select the temperature sensors that describe the CPU package.
var cpuSensorHints = []string{"coretemp", "k10temp", "cpu", "package", "tctl", "soc"}

// Local reads metrics directly from the operating system.
type Local struct {
	cfg    Config
	id     Identity
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	cpu  cpuMeter
	up   rateMeter
	down rateMeter
}

// Compile-time guard.
var _ Provider = (*Local)(nil)

// NewLocal creates a provider backed by gopsutil.
func NewLocal(cfg Config, id Identity, logger *zap.Logger) *Local {
	return &Local{cfg: cfg, id: id, logger: logger, now: time.Now}
}

func (l *Local) Name() string { return KindLocal }

// Collect implements Provider.
func (l *Local) Collect(ctx context.Context) (*snapshot.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := newReads(KindLocal, l.cfg.Timeout, l.logger)
	s := &snapshot.Snapshot{
		Hostname: l.id.Hostname,
		IP:       l.id.IP,
		CPU:      snapshot.CPU{Temperature: DefaultCPUTemperature},
		Memory:   snapshot.Memory{Temperature: DefaultMemoryTemperature},
	}

	r.do(ctx, "cpu", func(ctx context.Context) error {
		times, err := cpu.TimesWithContext(ctx, false)
		if err != nil {
			return err
		}
		if len(times) == 0 {
			return errors.New("no cpu times")
		}
		t := times[0]
		s.CPU.Usage = l.cpu.percent(cpuTotal(t), t.Idle+t.Iowait)
		return nil
	})

	r.do(ctx, "cpu_temperature", func(ctx context.Context) error {
		temps, err := sensors.TemperaturesWithContext(ctx)
		if len(temps) == 0 {
			if err == nil {
				err = errors.New("no temperature sensors")
			}
			return err
		}
		if v, ok := cpuTemperature(temps); ok {
			s.CPU.Temperature = v
			return nil
		}
		return errors.New("no cpu temperature sensor")
	})

	r.do(ctx, "memory", func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return err
		}
		s.Memory.Usage = vm.UsedPercent
		s.Memory.Total = vm.Total
		s.Memory.Used = vm.Used
		s.Memory.Available = vm.Available
		return nil
	})

	r.do(ctx, "storage", func(ctx context.Context) error {
		usage, err := disk.UsageWithContext(ctx, l.cfg.DiskPath)
		if err != nil {
			return err
		}
		s.Storage.Capacity = usage.Total
		s.Storage.Used = usage.Used
		s.Storage.Free = usage.Free
		return nil
	})

	r.do(ctx, "disks", func(ctx context.Context) error {
		parts, err := disk.PartitionsWithContext(ctx, false)
		if err != nil {
			return err
		}
		s.Storage.Disks = physicalDisks(parts)
		return nil
	})

	r.do(ctx, "network", func(ctx context.Context) error {
		counters, err := psnet.IOCountersWithContext(ctx, true)
		if err != nil {
			return err
		}
		var sent, recv uint64
		for _, c := range counters {
			if !includeInterface(c.Name, l.cfg.Interface) {
				continue
			}
			sent += c.BytesSent
			recv += c.BytesRecv
		}
		now := l.now()
		s.Network.Upload = l.up.rate(sent, now)
		s.Network.Download = l.down.rate(recv, now)
		return nil
	})

	if err := r.err(); err != nil {
		return nil, err
	}
	return s, nil
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal
}

// cpuTemperature returns the hottest CPU-like sensor reading.
func cpuTemperature(temps []sensors.TemperatureStat) (float64, bool) {
	var best float64
	found := false
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if t.Temperature <= 0 || !matchesAny(key, cpuSensorHints) {
			continue
		}
		if !found || t.Temperature > best {
			best = t.Temperature
			found = true
		}
	}
	return best, found
}

// physicalDisks lists distinct block devices backing mounted partitions.
// Health is not readable without SMART access, so every disk is normal.
func physicalDisks(parts []disk.PartitionStat) []snapshot.Disk {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range parts {
		if !strings.HasPrefix(p.Device, "/dev/") || strings.HasPrefix(p.Device, "/dev/loop") {
			continue
		}
		name := baseDevice(strings.TrimPrefix(p.Device, "/dev/"))
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)

	disks := make([]snapshot.Disk, 0, len(names))
	for _, n := range names {
		disks = append(disks, snapshot.Disk{ID: n, Status: snapshot.DiskNormal})
	}
	return disks
}

// baseDevice strips the partition suffix: sda1 -> sda, nvme0n1p2 -> nvme0n1,
// sata1p5 -> sata1.
func baseDevice(name string) string {
	if i := strings.LastIndex(name, "p"); i > 0 && isDigits(name[i+1:]) &&
		(strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "sata")) {
		return name[:i]
	}
	if strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "hd") || strings.HasPrefix(name, "vd") {
		return strings.TrimRight(name, "0123456789")
	}
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func matchesAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// includeInterface reports whether an interface counts toward throughput.
// With no filter every interface except loopback counts.
func includeInterface(name, filter string) bool {
	if filter != "" {
		return name == filter
	}
	return name != "lo" && !strings.HasPrefix(name, "lo:")
}
