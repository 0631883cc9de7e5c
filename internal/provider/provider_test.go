package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default local", func(*Config) {}, false},
		{"shell", func(c *Config) { c.Kind = "shell" }, false},
		{"kind is case-insensitive", func(c *Config) { c.Kind = "LOCAL" }, false},
		{"unknown kind", func(c *Config) { c.Kind = "zfs" }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"truenas without host", func(c *Config) { c.Kind = KindTrueNAS; c.APIKey = "k" }, true},
		{"truenas without key", func(c *Config) { c.Kind = KindTrueNAS; c.TrueNASHost = "nas" }, true},
		{"truenas complete", func(c *Config) { c.Kind = KindTrueNAS; c.TrueNASHost = "nas"; c.APIKey = "k" }, false},
		{"snmp without target", func(c *Config) { c.Kind = KindSNMP }, true},
		{"snmp bad port", func(c *Config) { c.Kind = KindSNMP; c.SNMPTarget = "nas"; c.SNMPPort = 70000 }, true},
		{"snmp complete", func(c *Config) { c.Kind = KindSNMP; c.SNMPTarget = "nas" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_SelectsKind(t *testing.T) {
	id := Identity{Hostname: "nas", IP: "10.0.0.2"}
	tests := []struct {
		kind string
		cfg  func(*Config)
	}{
		{KindLocal, func(*Config) {}},
		{KindShell, func(*Config) {}},
		{KindTrueNAS, func(c *Config) { c.TrueNASHost = "nas"; c.APIKey = "key" }},
		{KindSNMP, func(c *Config) { c.SNMPTarget = "nas" }},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Kind = tt.kind
			tt.cfg(&cfg)

			p, err := New(cfg, id, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Name())
		})
	}

	_, err := New(Config{Kind: "bogus", Timeout: time.Second}, id, zap.NewNop())
	assert.Error(t, err)
}

func TestReads_DegradeAndFail(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	r := newReads("test", time.Second, zap.NewNop())
	assert.True(t, r.do(ctx, "ok", func(context.Context) error { return nil }))
	assert.False(t, r.do(ctx, "bad", func(context.Context) error { return boom }))
	assert.NoError(t, r.err(), "partial failure must degrade, not fail")

	r = newReads("test", time.Second, zap.NewNop())
	r.do(ctx, "a", func(context.Context) error { return boom })
	r.do(ctx, "b", func(context.Context) error { return boom })
	err := r.err()
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "test", perr.Provider)
	assert.Contains(t, perr.Error(), "a, b")
}

func TestReads_BoundsEachRead(t *testing.T) {
	r := newReads("test", 20*time.Millisecond, zap.NewNop())
	start := time.Now()
	ok := r.do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveIdentity(t *testing.T) {
	id := ResolveIdentity()
	assert.NotEmpty(t, id.Hostname)
	assert.NotEmpty(t, id.IP)
}
