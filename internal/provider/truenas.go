package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/naspanel/internal/snapshot"
	"github.com/HerbHall/naspanel/internal/version"
)

// TrueNAS polls the TrueNAS REST API (v2.0) of a remote appliance.
type TrueNAS struct {
	baseURL string
	host    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// Compile-time guard.
var _ Provider = (*TrueNAS)(nil)

// NewTrueNAS creates a provider for the appliance at cfg.TrueNASHost. Requests
// are paced by cfg.RequestsPerSecond.
func NewTrueNAS(cfg Config, logger *zap.Logger) *TrueNAS {
	scheme := cfg.TrueNASScheme
	if scheme == "" {
		scheme = "http"
	}
	return newTrueNAS(fmt.Sprintf("%s://%s", scheme, cfg.TrueNASHost), cfg, logger)
}

func newTrueNAS(endpoint string, cfg Config, logger *zap.Logger) *TrueNAS {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	host := cfg.TrueNASHost
	if host == "" {
		host = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	}
	return &TrueNAS{
		baseURL: strings.TrimSuffix(endpoint, "/") + "/api/v2.0",
		host:    host,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 4),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (t *TrueNAS) Name() string { return KindTrueNAS }

// truenasSystemInfo is the subset of GET /system/info used here.
type truenasSystemInfo struct {
	Hostname string `json:"hostname"`
}

// truenasRealtime is the subset of GET /reporting/realtime used here.
type truenasRealtime struct {
	CPU *struct {
		Idle    *float64 `json:"idle"`
		Average *struct {
			Usage float64 `json:"usage"`
		} `json:"average"`
		Temperature *float64 `json:"temperature_celsius"`
	} `json:"cpu"`
	VirtualMemory *struct {
		Total     uint64 `json:"total"`
		Available uint64 `json:"available"`
	} `json:"virtual_memory"`
	Interfaces map[string]struct {
		SentBytesRate     float64 `json:"sent_bytes_rate"`
		ReceivedBytesRate float64 `json:"received_bytes_rate"`
	} `json:"interfaces"`
}

type truenasPool struct {
	Name      string          `json:"name"`
	Size      uint64          `json:"size"`
	Allocated uint64          `json:"allocated"`
	Free      uint64          `json:"free"`
	Topology  json.RawMessage `json:"topology"`
}

type truenasDisk struct {
	Name         string `json:"name"`
	SmartEnabled bool   `json:"smart_enabled"`
	SmartStatus  string `json:"smart_status"`
}

// Collect implements Provider.
func (t *TrueNAS) Collect(ctx context.Context) (*snapshot.Snapshot, error) {
	r := newReads(KindTrueNAS, t.timeout, t.logger)
	s := &snapshot.Snapshot{
		Hostname: "TrueNAS",
		IP:       t.host,
		CPU:      snapshot.CPU{Temperature: DefaultCPUTemperature},
		Memory:   snapshot.Memory{Temperature: DefaultMemoryTemperature},
	}

	r.do(ctx, "system_info", func(ctx context.Context) error {
		var info truenasSystemInfo
		if err := t.get(ctx, "system/info", &info); err != nil {
			return err
		}
		if info.Hostname != "" {
			s.Hostname = info.Hostname
		}
		return nil
	})

	r.do(ctx, "realtime", func(ctx context.Context) error {
		var rt truenasRealtime
		if err := t.get(ctx, "reporting/realtime", &rt); err != nil {
			return err
		}
		applyRealtime(s, &rt)
		return nil
	})

	r.do(ctx, "pools", func(ctx context.Context) error {
		var pools []truenasPool
		if err := t.get(ctx, "pool", &pools); err != nil {
			return err
		}
		for _, p := range pools {
			if len(p.Topology) == 0 || string(p.Topology) == "null" {
				continue
			}
			s.Storage.Capacity += p.Size
			s.Storage.Used += p.Allocated
		}
		return nil
	})

	r.do(ctx, "disks", func(ctx context.Context) error {
		var disks []truenasDisk
		if err := t.get(ctx, "disk", &disks); err != nil {
			return err
		}
		s.Storage.Disks = truenasDiskStatus(disks)
		return nil
	})

	if err := r.err(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyRealtime(s *snapshot.Snapshot, rt *truenasRealtime) {
	if c := rt.CPU; c != nil {
		switch {
		case c.Idle != nil:
			s.CPU.Usage = 100 - *c.Idle
		case c.Average != nil:
			s.CPU.Usage = c.Average.Usage
		}
		if c.Temperature != nil && *c.Temperature > 0 {
			s.CPU.Temperature = *c.Temperature
		}
	}
	if vm := rt.VirtualMemory; vm != nil {
		s.Memory.Total = vm.Total
		s.Memory.Available = vm.Available
		if vm.Available <= vm.Total {
			s.Memory.Used = vm.Total - vm.Available
		}
		if vm.Total > 0 {
			s.Memory.Usage = float64(s.Memory.Used) / float64(vm.Total) * 100
		}
	}
	for name, iface := range rt.Interfaces {
		if strings.HasPrefix(name, "lo") {
			continue
		}
		s.Network.Upload += iface.SentBytesRate
		s.Network.Download += iface.ReceivedBytesRate
	}
}

// truenasDiskStatus maps the first panel slots to disks; a SMART-enabled
// disk whose last test did not pass, or that has no result yet, is a warning.
func truenasDiskStatus(disks []truenasDisk) []snapshot.Disk {
	n := min(len(disks), snapshot.ExpectedDisks)
	out := make([]snapshot.Disk, 0, n)
	for i, d := range disks[:n] {
		status := snapshot.DiskNormal
		if d.SmartEnabled && d.SmartStatus != "PASSED" {
			status = snapshot.DiskWarning
		}
		out = append(out, snapshot.Disk{ID: snapshot.DiskID(i), Status: status})
	}
	return out
}

// get performs an authenticated GET against the API and decodes the JSON body.
func (t *TrueNAS) get(ctx context.Context, endpoint string, v any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/"+endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
