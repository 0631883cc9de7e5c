package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

const procStatFixture = `cpu  4705 150 1120 16250 520 0 30 0 0 0
cpu0 2350 75 560 8125 260 0 15 0 0 0
intr 114930548 113199788 3 0 5 263 0 4 [...]
`

const meminfoFixture = `MemTotal:        8048256 kB
MemFree:          512000 kB
MemAvailable:    2012064 kB
Buffers:          128000 kB
Cached:          1024000 kB
`

const netDevFixture = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999     100    0    0    0     0          0         0   999999     100    0    0    0     0       0          0
  eth0: 1000000    2000    0    0    0     0          0         0   400000    1500    0    0    0     0       0          0
  eth1:  500000    1000    0    0    0     0          0         0   100000     700    0    0    0     0       0          0
`

const dfFixture = `Filesystem         1B-blocks         Used    Available Use% Mounted on
/dev/md2       3838815768576 1535526307430 2303289461146  40% /volume1
`

const mdstatFixture = `Personalities : [raid1] [raid6] [raid5] [raid4]
md2 : active raid5 sata1p5[0] sata2p5[1] sata3p5[2](F)
      7794127296 blocks super 1.2 level 5, 64k chunk, algorithm 2 [3/2] [UU_]

md1 : active raid1 sata1p2[0] sata2p2[1] sata3p2[2]
      2097088 blocks [16/3] [UUU_____________]

md0 : active raid1 sata4p1[0]
      2490176 blocks [1/1] [U]

unused devices: <none>
`

func TestParseProcStat(t *testing.T) {
	total, idle, err := parseProcStat([]byte(procStatFixture))
	require.NoError(t, err)
	assert.Equal(t, float64(4705+150+1120+16250+520+0+30+0), total)
	assert.Equal(t, float64(16250+520), idle)

	_, _, err = parseProcStat([]byte("intr 1 2 3\n"))
	assert.Error(t, err)

	_, _, err = parseProcStat([]byte("cpu  1 2\n"))
	assert.Error(t, err)
}

func TestParseMeminfo(t *testing.T) {
	total, available, err := parseMeminfo([]byte(meminfoFixture))
	require.NoError(t, err)
	assert.Equal(t, uint64(8048256*1024), total)
	assert.Equal(t, uint64(2012064*1024), available)

	// Without MemAvailable, free + buffers + cached is used.
	total, available, err = parseMeminfo([]byte("MemTotal: 1000 kB\nMemFree: 100 kB\nBuffers: 50 kB\nCached: 150 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000*1024), total)
	assert.Equal(t, uint64(300*1024), available)

	_, _, err = parseMeminfo([]byte("MemFree: 100 kB\n"))
	assert.Error(t, err)
}

func TestParseDF(t *testing.T) {
	total, used, free, err := parseDF(dfFixture)
	require.NoError(t, err)
	assert.Equal(t, uint64(3838815768576), total)
	assert.Equal(t, uint64(1535526307430), used)
	assert.Equal(t, uint64(2303289461146), free)

	wrapped := "Filesystem 1B-blocks Used Available Use% Mounted on\n/dev/mapper/very-long-volume-name\n 1000 400 600 40% /\n"
	total, used, free, err = parseDF(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 400, 600}, []uint64{total, used, free})

	_, _, _, err = parseDF("Filesystem 1B-blocks Used Available Use% Mounted on\n")
	assert.Error(t, err)
}

func TestParseNetDev(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantRx  uint64
		wantTx  uint64
		wantErr bool
	}{
		{"all but loopback", "", 1500000, 500000, false},
		{"single interface", "eth0", 1000000, 400000, false},
		{"missing interface", "bond0", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rx, tx, err := parseNetDev([]byte(netDevFixture), tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRx, rx)
			assert.Equal(t, tt.wantTx, tx)
		})
	}
}

func TestParseMdstat(t *testing.T) {
	states := parseMdstat([]byte(mdstatFixture))

	assert.Equal(t, snapshot.DiskWarning, states["sata1"])
	assert.Equal(t, snapshot.DiskWarning, states["sata2"])
	assert.Equal(t, snapshot.DiskError, states["sata3"])
	assert.Equal(t, snapshot.DiskNormal, states["sata4"])
}

func TestBaseDevice(t *testing.T) {
	tests := map[string]string{
		"sda":       "sda",
		"sda3":      "sda",
		"sata2p5":   "sata2",
		"sata1":     "sata1",
		"nvme0n1p2": "nvme0n1",
		"nvme0n1":   "nvme0n1",
		"mmcblk0p1": "mmcblk0",
		"vdb1":      "vdb",
		"dm-0":      "dm-0",
	}
	for in, want := range tests {
		assert.Equal(t, want, baseDevice(in), in)
	}
}

// newShellFixture lays out a fake /proc and /sys tree.
func newShellFixture(t *testing.T) (procDir, sysDir, thermal string) {
	t.Helper()
	root := t.TempDir()
	procDir = filepath.Join(root, "proc")
	sysDir = filepath.Join(root, "sys")
	write := func(path, body string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write(filepath.Join(procDir, "stat"), procStatFixture)
	write(filepath.Join(procDir, "meminfo"), meminfoFixture)
	write(filepath.Join(procDir, "net", "dev"), netDevFixture)
	write(filepath.Join(procDir, "mdstat"), mdstatFixture)
	thermal = filepath.Join(sysDir, "class", "thermal", "thermal_zone0", "temp")
	write(thermal, "52500\n")
	for _, dev := range []string{"sata1", "sata2", "sata3", "sata4", "loop0", "md2", "zram0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(sysDir, "block", dev), 0o755))
	}
	return procDir, sysDir, thermal
}

func newTestShell(t *testing.T, run commandRunner) *Shell {
	t.Helper()
	procDir, sysDir, thermal := newShellFixture(t)
	cfg := DefaultConfig()
	cfg.Kind = KindShell
	cfg.ThermalZone = thermal
	cfg.DiskPath = "/volume1"

	p := NewShell(cfg, Identity{Hostname: "DS920", IP: "192.168.1.20"}, zap.NewNop())
	p.procDir = procDir
	p.sysDir = sysDir
	p.run = run
	return p
}

func TestShellCollect(t *testing.T) {
	var gotArgs []string
	p := newTestShell(t, func(_ context.Context, name string, args ...string) (string, error) {
		gotArgs = append([]string{name}, args...)
		return dfFixture, nil
	})
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	s, err := p.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"df", "-B1", "/volume1"}, gotArgs)
	assert.Equal(t, "DS920", s.Hostname)
	assert.Equal(t, "192.168.1.20", s.IP)
	assert.InDelta(t, 52.5, s.CPU.Temperature, 1e-9)
	assert.Greater(t, s.CPU.Usage, 0.0)
	assert.Equal(t, uint64(8048256*1024), s.Memory.Total)
	assert.Equal(t, s.Memory.Total-s.Memory.Available, s.Memory.Used)
	assert.InDelta(t, 75.0, s.Memory.Usage, 0.1)
	assert.Equal(t, uint64(3838815768576), s.Storage.Capacity)
	assert.Equal(t, []snapshot.Disk{
		{ID: "sata1", Status: snapshot.DiskWarning},
		{ID: "sata2", Status: snapshot.DiskWarning},
		{ID: "sata3", Status: snapshot.DiskError},
		{ID: "sata4", Status: snapshot.DiskNormal},
	}, s.Storage.Disks)
	assert.Zero(t, s.Network.Upload, "first sample has no rate yet")

	// Second tick: counters advanced by 5000 bytes rx over 5s.
	netDev := filepath.Join(p.procDir, "net", "dev")
	require.NoError(t, os.WriteFile(netDev, []byte(
		"  eth0: 1005000 0 0 0 0 0 0 0 402500 0 0 0 0 0 0 0\n"+
			"  eth1:  500000 0 0 0 0 0 0 0 100000 0 0 0 0 0 0 0\n"), 0o644))
	clock = clock.Add(5 * time.Second)

	s, err = p.Collect(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, s.Network.Download, 1e-9)
	assert.InDelta(t, 500.0, s.Network.Upload, 1e-9)
}

func TestShellCollect_DegradesMissingSources(t *testing.T) {
	p := newTestShell(t, func(context.Context, string, ...string) (string, error) {
		return dfFixture, nil
	})
	require.NoError(t, os.Remove(p.cfg.ThermalZone))
	require.NoError(t, os.Remove(filepath.Join(p.procDir, "meminfo")))

	s, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultCPUTemperature, s.CPU.Temperature)
	assert.Zero(t, s.Memory.Total)
	assert.Zero(t, s.Memory.Usage)
	assert.Equal(t, uint64(3838815768576), s.Storage.Capacity)
}

func TestShellCollect_DFFallsBackToStatfs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("statfs fallback is unix-only")
	}
	p := newTestShell(t, func(context.Context, string, ...string) (string, error) {
		return "", errors.New("df: not found")
	})
	p.cfg.DiskPath = t.TempDir()

	s, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Greater(t, s.Storage.Capacity, uint64(0))
	assert.LessOrEqual(t, s.Storage.Used, s.Storage.Capacity)
}

func TestShellCollect_AllSourcesMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThermalZone = filepath.Join(t.TempDir(), "nope")
	cfg.DiskPath = filepath.Join(t.TempDir(), "missing")
	p := NewShell(cfg, Identity{}, zap.NewNop())
	p.procDir = filepath.Join(t.TempDir(), "proc")
	p.sysDir = filepath.Join(t.TempDir(), "sys")
	p.run = func(context.Context, string, ...string) (string, error) {
		return "", errors.New("no shell")
	}

	_, err := p.Collect(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindShell, perr.Provider)
}

func TestMdDegraded(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		level  string
		listed int
		want   bool
	}{
		{"healthy raid5", "7794127296 blocks super 1.2 level 5 [3/3] [UUU]", "raid5", 3, false},
		{"failed member", "7794127296 blocks super 1.2 level 5 [3/2] [UU_]", "raid5", 3, true},
		{"removed member", "7794127296 blocks super 1.2 level 5 [3/2] [UU_]", "raid5", 2, true},
		{"dsm system slots", "2097088 blocks [16/3] [UUU_____________]", "raid1", 3, false},
		{"mirror lost member", "2097088 blocks [2/1] [U_]", "raid1", 2, true},
		{"no counts", "2097088 blocks", "raid1", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mdDegraded(tt.line, tt.level, tt.listed))
		})
	}

	states := parseMdstat([]byte("md1 : active raid1 sata1p2[0] sata2p2[1]\n      2097088 blocks [16/2] [UU______________]\n"))
	assert.Equal(t, snapshot.DiskNormal, states["sata1"])
	assert.Equal(t, snapshot.DiskNormal, states["sata2"])
}
