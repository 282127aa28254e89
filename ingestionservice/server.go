// Package ingestionservice wraps the ingestion pipeline in a runnable
// service: an HTTP surface for health, readiness and metrics, plus graceful
// shutdown around the pipeline loop.
package ingestionservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"naia-historian/ingestion"
)

// StatusReporter exposes the pipeline's state for the health surface.
type StatusReporter interface {
	Status() ingestion.PipelineStatus
}

// StoragePinger probes the time-series store for readiness checks.
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the operational HTTP surface of the ingestion service.
type Server struct {
	config     *Config
	logger     zerolog.Logger
	httpServer *http.Server
	status     StatusReporter
	storage    StoragePinger
	gatherer   prometheus.Gatherer
}

// NewServer creates the HTTP wrapper. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg *Config, logger zerolog.Logger, status StatusReporter, storage StoragePinger, gatherer prometheus.Gatherer) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.HTTPPort <= 0 {
		return nil, errors.New("server config: HTTPPort must be positive")
	}
	if status == nil {
		return nil, errors.New("status reporter cannot be nil")
	}
	if storage == nil {
		return nil, errors.New("storage pinger cannot be nil")
	}
	return &Server{
		config:   cfg,
		logger:   logger.With().Str("component", "Server").Logger(),
		status:   status,
		storage:  storage,
		gatherer: gatherer,
	}, nil
}

// Start begins serving. It is non-blocking; call Stop to shut down.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal().Err(err).Msg("HTTP server ListenAndServe error")
		}
	}()
}

// healthzHandler reports the pipeline's status snapshot: state, cumulative
// batches and points, throughput, and the last error.
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	status := s.status.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.State == "Stopped" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode health status")
	}
}

// readyzHandler probes the time-series store; the service is not ready to
// do useful work while its primary output is unreachable.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.storage.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness probe failed against storage engine")
		http.Error(w, fmt.Sprintf("storage engine unreachable: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info().Msg("HTTP server gracefully stopped")
	return nil
}
