// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves liveness and readiness probes for long
// running adapters and the sweeper.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config sets where probes are served. Port 0 disables the server.
type Config struct {
	Port int `mapstructure:"port"`
}

func DefaultConfig() Config {
	return Config{Port: 8090}
}

// Response is the body of every probe.
type Response struct {
	Healthy bool              `json:"healthy"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports why a component is not ready, or nil.
type CheckFunc func() error

type Server struct {
	port   int
	status atomic.Int32

	mu     sync.RWMutex
	checks map[string]CheckFunc
	server *http.Server
}

func NewServer(cfg Config) *Server {
	return &Server{
		port:   cfg.Port,
		checks: make(map[string]CheckFunc),
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// AddCheck adds a readiness check. A check with the same name is replaced.
func (s *Server) AddCheck(name string, f CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = f
}

// runChecks returns the failing checks keyed by name.
func (s *Server) runChecks() map[string]string {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(names)
	var failed map[string]string
	for _, name := range names {
		if err := checks[name](); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[name] = err.Error()
		}
	}
	return failed
}

// Handler returns the probe routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", s.livez)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/readyz", s.readyz)
	return mux
}

// Start serves probes until ctx is done. It returns at once when the
// server is disabled.
func (s *Server) Start(ctx context.Context) error {
	if s.port <= 0 {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health check listen: %w", err)
	}

	s.mu.Lock()
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.server
	s.mu.Unlock()

	slog.Info("Starting health check server", slog.Int("port", s.port))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return s.Stop()
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	slog.Info("Stopping health check server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// livez fails only once the process has given up.
func (s *Server) livez(w http.ResponseWriter, _ *http.Request) {
	status := s.Status()
	writeResponse(w, Response{Healthy: status != StatusUnhealthy, Status: status.String()})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	status := s.Status()
	writeResponse(w, Response{Healthy: status == StatusHealthy, Status: status.String()})
}

// readyz requires a healthy status and every check to pass.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	status := s.Status()
	failed := s.runChecks()
	writeResponse(w, Response{
		Healthy: status == StatusHealthy && len(failed) == 0,
		Status:  status.String(),
		Checks:  failed,
	})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
