// Package provider implements the pluggable metric sources that feed the
// publish loop. Every realization produces the same snapshot shape and
// degrades individual fields instead of failing the whole collection.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// Provider kinds accepted by New.
const (
	KindLocal   = "local"
	KindShell   = "shell"
	KindTrueNAS = "truenas"
	KindSNMP    = "snmp"
)

// Temperatures reported when no sensor can be read.
const (
	DefaultCPUTemperature    = 45.0
	DefaultMemoryTemperature = 35.0
)

// Provider returns a fresh snapshot on demand.
type Provider interface {
	// Name returns the provider kind (e.g., "local", "truenas").
	Name() string
	// Collect gathers one snapshot. It returns an *Error only when the
	// source could not be read at all.
	Collect(ctx context.Context) (*snapshot.Snapshot, error)
}

// Error reports an irrecoverable read failure of a provider.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds provider selection and per-provider options.
type Config struct {
	Kind        string        `mapstructure:"kind"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DiskPath    string        `mapstructure:"disk_path"`
	Interface   string        `mapstructure:"interface"`
	ThermalZone string        `mapstructure:"thermal_zone"`

	TrueNASHost       string  `mapstructure:"truenas_host"`
	TrueNASScheme     string  `mapstructure:"truenas_scheme"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	SNMPTarget    string `mapstructure:"snmp_target"`
	SNMPPort      int    `mapstructure:"snmp_port"`
	SNMPCommunity string `mapstructure:"snmp_community"`
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		Kind:              KindLocal,
		Timeout:           10 * time.Second,
		DiskPath:          "/",
		ThermalZone:       "/sys/class/thermal/thermal_zone0/temp",
		TrueNASScheme:     "http",
		RequestsPerSecond: 4,
		SNMPPort:          161,
		SNMPCommunity:     "public",
	}
}

// Validate checks that the options required by the selected kind are set.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive, got %s", c.Timeout)
	}
	switch strings.ToLower(c.Kind) {
	case KindLocal, KindShell:
		return nil
	case KindTrueNAS:
		if c.TrueNASHost == "" {
			return fmt.Errorf("provider.truenas_host is required for the truenas provider")
		}
		if c.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for the truenas provider")
		}
		return nil
	case KindSNMP:
		if c.SNMPTarget == "" {
			return fmt.Errorf("provider.snmp_target is required for the snmp provider")
		}
		if c.SNMPPort <= 0 || c.SNMPPort > 65535 {
			return fmt.Errorf("provider.snmp_port out of range: %d", c.SNMPPort)
		}
		return nil
	}
	return fmt.Errorf("unknown provider kind %q", c.Kind)
}

// New returns the provider selected by cfg.Kind.
func New(cfg Config, id Identity, logger *zap.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("provider", strings.ToLower(cfg.Kind)))
	switch strings.ToLower(cfg.Kind) {
	case KindLocal:
		return NewLocal(cfg, id, logger), nil
	case KindShell:
		return NewShell(cfg, id, logger), nil
	case KindTrueNAS:
		return NewTrueNAS(cfg, logger), nil
	case KindSNMP:
		return NewSNMP(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}

// reads tracks the outcome of the individual reads of one collection so a
// provider can degrade failed fields and still detect a dead source.
type reads struct {
	provider string
	logger   *zap.Logger
	timeout  time.Duration
	total    int
	failed   []string
}

func newReads(provider string, timeout time.Duration, logger *zap.Logger) *reads {
	return &reads{provider: provider, timeout: timeout, logger: logger}
}

// do runs fn with a bounded context and records its outcome. It returns
// true when the read succeeded.
func (r *reads) do(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	r.total++
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.failed = append(r.failed, name)
		r.logger.Debug("metric read failed, using default",
			zap.String("metric", name),
			zap.Error(err),
		)
		return false
	}
	return true
}

// err returns an *Error when every attempted read failed.
func (r *reads) err() error {
	if r.total == 0 || len(r.failed) < r.total {
		return nil
	}
	return &Error{
		Provider: r.provider,
		Op:       "collect",
		Err:      fmt.Errorf("all %d reads failed (%s)", r.total, strings.Join(r.failed, ", ")),
	}
}
