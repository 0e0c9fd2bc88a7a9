// Package metrics serves the process's Prometheus registry over HTTP. Every
// bus process runs its own server, so /health names the endpoint identity to
// tell the scrape targets apart.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 10 * time.Second

// Server serves Prometheus metrics over HTTP for one bus endpoint.
type Server struct {
	httpServer *http.Server
	identity   string
}

type healthResponse struct {
	Status   string `json:"status"`
	Identity string `json:"identity"`
}

// NewServer creates a metrics HTTP server exposing /metrics and /health on
// the given address (e.g. ":9090"). identity is the owning endpoint's
// destination name, reported by /health.
func NewServer(addr, identity string, gatherer prometheus.Gatherer) *Server {
	s := &Server{identity: identity}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // best-effort health response
	json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Identity: s.identity,
	})
}

// Start begins serving in the background and returns a channel that receives
// an error if the server fails.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting for in-flight requests until ctx is
// cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
