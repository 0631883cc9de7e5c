// Package server exposes the publisher's status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/publisher"
	"github.com/HerbHall/naspanel/internal/snapshot"
	"github.com/HerbHall/naspanel/internal/version"
)

// Status is the view of the publish loop the server reports on.
type Status interface {
	State() publisher.State
	Stats() publisher.Stats
	LastPayload() []byte
	LastSnapshot() *snapshot.Snapshot
}

// Server is the optional status HTTP server.
type Server struct {
	httpServer *http.Server
	status     Status
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance. A nil gatherer disables /metrics.
func New(addr string, status Status, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		status: status,
		logger: logger,
		mux:    mux,
	}

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/api/v1/", s.handleUnknown)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds the configured address so a bad listen address fails
// startup instead of surfacing later from a background goroutine.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	State   string            `json:"state"`
	Stats   publisher.Stats   `json:"stats"`
	Last    *lastSummary      `json:"last_snapshot,omitempty"`
	Version map[string]string `json:"version"`
}

// lastSummary is the part of the last snapshot worth a glance in a health
// check: whose it was, when, and which disks need attention.
type lastSummary struct {
	Hostname  string            `json:"hostname"`
	Timestamp string            `json:"timestamp"`
	Disks     map[string]string `json:"disk_alerts,omitempty"`
}

func summarize(snap *snapshot.Snapshot) *lastSummary {
	if snap == nil {
		return nil
	}
	sum := &lastSummary{Hostname: snap.Hostname, Timestamp: snap.Timestamp}
	for _, d := range snap.Storage.Disks {
		if d.Status == snapshot.DiskNormal {
			continue
		}
		if sum.Disks == nil {
			sum.Disks = make(map[string]string)
		}
		sum.Disks[d.ID] = string(d.Status)
	}
	return sum
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	status := "ok"
	if state != publisher.StateConnected {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Naspanel-Version", version.Short())
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  status,
		Service: "nas-publisher",
		State:   state.String(),
		Stats:   s.status.Stats(),
		Last:    summarize(s.status.LastSnapshot()),
		Version: version.Map(),
	})
}

// handleSnapshot returns the last payload exactly as it went to the broker.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	payload := s.status.LastPayload()
	if payload == nil {
		ServiceUnavailable(w, "no snapshot has been published yet", r.URL.Path)
		return
	}
	if !json.Valid(payload) {
		InternalError(w, "last snapshot is not valid JSON", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Naspanel-Version", version.Short())
	if _, err := w.Write(payload); err != nil {
		s.logger.Debug("write snapshot response", zap.Error(err))
	}
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	NotFound(w, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), r.URL.Path)
}
