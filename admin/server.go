// Package admin exposes the operational HTTP surface: health,
// pipeline status and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/walship/walship/publisher"
	"github.com/walship/walship/telemetry"
)

// Server serves the admin endpoints on a dedicated listener.
type Server struct {
	pipeline *publisher.Pipeline
	httpSrv  *http.Server
}

// NewServer creates an admin server bound to the given address.
func NewServer(address string, port int, pipeline *publisher.Pipeline) *Server {
	s := &Server{pipeline: pipeline}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", telemetry.Handler())

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", address, port),
		Handler: r,
	}

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("Admin endpoints enabled")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"})
}

// statusResponse reports pipeline counters and the messages produced
// by the pre-flight configuration validation.
type statusResponse struct {
	Pipeline   publisher.Stats `json:"pipeline"`
	Validation *validation     `json:"validation,omitempty"`
}

type validation struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Info     []string `json:"info,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Pipeline: s.pipeline.Stats()}
	if result := s.pipeline.Validation(); result != nil {
		resp.Validation = &validation{
			Success:  result.Success(),
			Errors:   result.Errors(),
			Warnings: result.Warnings(),
			Info:     result.Info(),
		}
	}
	writeJSONResponse(w, resp)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
