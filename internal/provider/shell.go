package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// blockDevicePattern matches whole-disk block devices found on NAS
// appliances and generic Linux hosts.
var blockDevicePattern = regexp.MustCompile(`^(sd[a-z]+|sata\d+|nvme\d+n\d+|hd[a-z]+|vd[a-z]+)$`)

// commandRunner executes an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Shell reads metrics from procfs, sysfs and standard userland commands.
// It suits appliances such as Synology DSM where only a shell is available.
type Shell struct {
	cfg     Config
	id      Identity
	logger  *zap.Logger
	procDir string
	sysDir  string
	run     commandRunner
	now     func() time.Time

	mu   sync.Mutex
	cpu  cpuMeter
	up   rateMeter
	down rateMeter
}

// Compile-time guard.
var _ Provider = (*Shell)(nil)

// NewShell creates a provider that parses /proc, /sys and `df` output.
func NewShell(cfg Config, id Identity, logger *zap.Logger) *Shell {
	return &Shell{
		cfg:     cfg,
		id:      id,
		logger:  logger,
		procDir: "/proc",
		sysDir:  "/sys",
		run:     execCommand,
		now:     time.Now,
	}
}

func (p *Shell) Name() string { return KindShell }

// Collect implements Provider.
func (p *Shell) Collect(ctx context.Context) (*snapshot.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := newReads(KindShell, p.cfg.Timeout, p.logger)
	s := &snapshot.Snapshot{
		Hostname: p.id.Hostname,
		IP:       p.id.IP,
		CPU:      snapshot.CPU{Temperature: DefaultCPUTemperature},
		Memory:   snapshot.Memory{Temperature: DefaultMemoryTemperature},
	}

	r.do(ctx, "cpu", func(context.Context) error {
		b, err := os.ReadFile(filepath.Join(p.procDir, "stat"))
		if err != nil {
			return err
		}
		total, idle, err := parseProcStat(b)
		if err != nil {
			return err
		}
		s.CPU.Usage = p.cpu.percent(total, idle)
		return nil
	})

	r.do(ctx, "cpu_temperature", func(context.Context) error {
		b, err := os.ReadFile(p.cfg.ThermalZone)
		if err != nil {
			return err
		}
		v, err := parseMilliCelsius(b)
		if err != nil {
			return err
		}
		s.CPU.Temperature = v
		return nil
	})

	r.do(ctx, "memory", func(context.Context) error {
		b, err := os.ReadFile(filepath.Join(p.procDir, "meminfo"))
		if err != nil {
			return err
		}
		total, available, err := parseMeminfo(b)
		if err != nil {
			return err
		}
		s.Memory.Total = total
		s.Memory.Available = available
		if available <= total {
			s.Memory.Used = total - available
		}
		s.Memory.Usage = float64(s.Memory.Used) / float64(total) * 100
		return nil
	})

	r.do(ctx, "storage", func(ctx context.Context) error {
		total, used, free, err := p.diskUsage(ctx)
		if err != nil {
			return err
		}
		s.Storage.Capacity, s.Storage.Used, s.Storage.Free = total, used, free
		return nil
	})

	r.do(ctx, "disks", func(context.Context) error {
		disks, err := p.disks()
		if err != nil {
			return err
		}
		s.Storage.Disks = disks
		return nil
	})

	r.do(ctx, "network", func(context.Context) error {
		b, err := os.ReadFile(filepath.Join(p.procDir, "net", "dev"))
		if err != nil {
			return err
		}
		rx, tx, err := parseNetDev(b, p.cfg.Interface)
		if err != nil {
			return err
		}
		now := p.now()
		s.Network.Upload = p.up.rate(tx, now)
		s.Network.Download = p.down.rate(rx, now)
		return nil
	})

	if err := r.err(); err != nil {
		return nil, err
	}
	return s, nil
}

// diskUsage runs `df -B1` for the configured path and falls back to
// statfs(2) when the command is unavailable.
func (p *Shell) diskUsage(ctx context.Context) (total, used, free uint64, err error) {
	out, runErr := p.run(ctx, "df", "-B1", p.cfg.DiskPath)
	if runErr == nil {
		total, used, free, err = parseDF(out)
		if err == nil {
			return total, used, free, nil
		}
		runErr = err
	}

	total, used, free, err = statfs(p.cfg.DiskPath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("df: %v; statfs: %w", runErr, err)
	}
	return total, used, free, nil
}

// disks lists whole-disk block devices and derives their status from the
// md RAID state in /proc/mdstat.
func (p *Shell) disks() ([]snapshot.Disk, error) {
	entries, err := os.ReadDir(filepath.Join(p.sysDir, "block"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if blockDevicePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	states := map[string]snapshot.DiskStatus{}
	if b, err := os.ReadFile(filepath.Join(p.procDir, "mdstat")); err == nil {
		states = parseMdstat(b)
	}

	disks := make([]snapshot.Disk, 0, len(names))
	for _, n := range names {
		status, ok := states[n]
		if !ok {
			status = snapshot.DiskNormal
		}
		disks = append(disks, snapshot.Disk{ID: n, Status: status})
	}
	return disks, nil
}

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseProcStat returns total and idle (idle+iowait) jiffies from the
// aggregate cpu line.
func parseProcStat(b []byte) (total, idle float64, err error) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if len(fields) < 4 {
			return 0, 0, errors.New("invalid cpu line")
		}
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("cpu field %d: %w", i, err)
			}
			// guest and guest_nice are already included in user and nice.
			if i < 8 {
				total += float64(v)
			}
			if i == 3 || i == 4 {
				idle += float64(v)
			}
		}
		return total, idle, nil
	}
	return 0, 0, errors.New("cpu line not found")
}

func parseMeminfo(b []byte) (total, available uint64, err error) {
	var free, buffers, cached uint64
	haveAvailable := false
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		v *= 1024
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
			haveAvailable = true
		case "MemFree:":
			free = v
		case "Buffers:":
			buffers = v
		case "Cached:":
			cached = v
		}
	}
	if total == 0 {
		return 0, 0, errors.New("MemTotal not found")
	}
	// Kernels before 3.14 lack MemAvailable.
	if !haveAvailable {
		available = free + buffers + cached
	}
	return total, available, nil
}

// parseDF reads the second line of `df -B1` output. Long device names can
// wrap the data onto a third line, so fields are joined first.
func parseDF(out string) (total, used, free uint64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, 0, 0, errors.New("df: no data line")
	}
	fields := strings.Fields(strings.Join(lines[1:], " "))
	if len(fields) < 4 {
		return 0, 0, 0, fmt.Errorf("df: short data line %q", lines[1])
	}
	vals := make([]uint64, 3)
	for i := range vals {
		vals[i], err = strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("df: field %d: %w", i+1, err)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

// parseNetDev sums received and transmitted bytes. With an empty filter
// every non-loopback interface is counted.
func parseNetDev(b []byte, filter string) (rx, tx uint64, err error) {
	found := false
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !includeInterface(name, filter) {
			continue
		}
		vals := strings.Fields(rest)
		if len(vals) < 9 {
			continue
		}
		r, errR := strconv.ParseUint(vals[0], 10, 64)
		t, errT := strconv.ParseUint(vals[8], 10, 64)
		if errR != nil || errT != nil {
			continue
		}
		rx += r
		tx += t
		found = true
	}
	if !found {
		if filter != "" {
			return 0, 0, fmt.Errorf("interface %q not found", filter)
		}
		return 0, 0, errors.New("no network interfaces")
	}
	return rx, tx, nil
}

func parseMilliCelsius(b []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("thermal zone: %w", err)
	}
	return v / 1000, nil
}

// mdCountPattern matches the "[configured/active]" device counts of an md
// status line.
var mdCountPattern = regexp.MustCompile(`\[(\d+)/(\d+)\]`)

var statusRank = map[snapshot.DiskStatus]int{
	snapshot.DiskNormal:  0,
	snapshot.DiskWarning: 1,
	snapshot.DiskError:   2,
}

// parseMdstat maps member disks of md arrays to a status: failed members
// are errors, members of degraded arrays are warnings.
func parseMdstat(b []byte) map[string]snapshot.DiskStatus {
	states := make(map[string]snapshot.DiskStatus)
	set := func(disk string, st snapshot.DiskStatus) {
		if cur, ok := states[disk]; ok && statusRank[cur] >= statusRank[st] {
			return
		}
		states[disk] = st
	}

	var (
		members []string
		level   string
	)
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if name, rest, ok := strings.Cut(line, " : "); ok && strings.HasPrefix(name, "md") {
			members, level = nil, ""
			for _, f := range strings.Fields(rest) {
				if strings.HasPrefix(f, "raid") {
					level = f
				}
				if !strings.Contains(f, "[") {
					continue
				}
				dev, failed := mdMember(f)
				if failed {
					set(dev, snapshot.DiskError)
				} else {
					set(dev, snapshot.DiskNormal)
				}
				members = append(members, dev)
			}
			continue
		}
		if len(members) == 0 || !strings.Contains(line, "blocks") {
			continue
		}
		if mdDegraded(line, level, len(members)) {
			for _, dev := range members {
				set(dev, snapshot.DiskWarning)
			}
		}
		members = nil
	}
	return states
}

// mdDegraded reports whether an array lost a member. DSM system mirrors
// declare a slot for every bay, so a raid1 only counts as degraded when one
// of its listed members is inactive.
func mdDegraded(line, level string, listed int) bool {
	m := mdCountPattern.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	configured, _ := strconv.Atoi(m[1])
	active, _ := strconv.Atoi(m[2])
	if level == "raid1" {
		return active < listed
	}
	return active < configured
}

// mdMember parses "sda3[0]" or "sata2p5[1](F)" into the whole-disk name and
// whether the member has failed.
func mdMember(field string) (string, bool) {
	part, _, _ := strings.Cut(field, "[")
	return baseDevice(part), strings.HasSuffix(field, "(F)")
}
