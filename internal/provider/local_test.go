package provider

import (
	"context"
	"testing"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

func TestLocalCollect_ReturnsSnapshot(t *testing.T) {
	p := NewLocal(DefaultConfig(), Identity{Hostname: "host", IP: "10.0.0.5"}, zap.NewNop())

	s, err := p.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, "host", s.Hostname)
	assert.Equal(t, "10.0.0.5", s.IP)
	assert.GreaterOrEqual(t, s.CPU.Usage, 0.0)
	assert.LessOrEqual(t, s.CPU.Usage, 100.0)
	assert.Greater(t, s.Memory.Total, uint64(0))
	assert.LessOrEqual(t, s.Memory.Used, s.Memory.Total)
	assert.Greater(t, s.CPU.Temperature, 0.0)
}

func TestLocalCollect_CancelledContext(t *testing.T) {
	p := NewLocal(DefaultConfig(), Identity{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Reads either succeed from cached kernel data or degrade; neither
	// outcome may panic.
	s, err := p.Collect(ctx)
	if err == nil {
		assert.NotNil(t, s)
	}
}

func TestPhysicalDisks(t *testing.T) {
	parts := []disk.PartitionStat{
		{Device: "/dev/sda1", Mountpoint: "/"},
		{Device: "/dev/sda2", Mountpoint: "/home"},
		{Device: "/dev/nvme0n1p1", Mountpoint: "/data"},
		{Device: "/dev/loop3", Mountpoint: "/snap/core"},
		{Device: "tmpfs", Mountpoint: "/run"},
		{Device: "/dev/sdb", Mountpoint: "/backup"},
	}
	got := physicalDisks(parts)
	assert.Equal(t, []snapshot.Disk{
		{ID: "nvme0n1", Status: snapshot.DiskNormal},
		{ID: "sda", Status: snapshot.DiskNormal},
		{ID: "sdb", Status: snapshot.DiskNormal},
	}, got)
}

func TestCPUTemperature(t *testing.T) {
	temps := []sensors.TemperatureStat{
		{SensorKey: "acpitz", Temperature: 80},
		{SensorKey: "coretemp_core_0", Temperature: 51},
		{SensorKey: "coretemp_package_id_0", Temperature: 55},
		{SensorKey: "nvme_composite", Temperature: 40},
	}
	v, ok := cpuTemperature(temps)
	require.True(t, ok)
	assert.Equal(t, 55.0, v)

	_, ok = cpuTemperature([]sensors.TemperatureStat{{SensorKey: "nvme", Temperature: 40}})
	assert.False(t, ok)
}

func TestIncludeInterface(t *testing.T) {
	assert.True(t, includeInterface("eth0", ""))
	assert.False(t, includeInterface("lo", ""))
	assert.True(t, includeInterface("eth0", "eth0"))
	assert.False(t, includeInterface("eth1", "eth0"))
}
