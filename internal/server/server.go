// Package server wires the master API onto an HTTP server.
package server

import (
	"context"
	"net/http"
	"time"

	"buildplane/internal/server/handlers"
	"buildplane/internal/server/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr string

	// RateLimitPerSecond caps requests per client address; 0 disables
	// the limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server is the HTTP server for the master API.
type Server struct {
	httpServer *http.Server
}

// New creates the master API server.
func New(cfg Config, h *handlers.Handlers) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("POST /jobs/{id}/builds", h.TriggerBuild)

	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
	mux.HandleFunc("GET /builds/{id}/console", h.GetConsole)
	mux.HandleFunc("DELETE /builds/{id}", h.AbortBuild)

	mux.HandleFunc("GET /queue/stats", h.GetQueueStats)
	mux.HandleFunc("GET /pool/stats", h.GetPoolStats)

	mux.HandleFunc("GET /agents", h.ListAgents)
	mux.HandleFunc("POST /agents", h.CreateAgent)
	mux.HandleFunc("GET /agents/{id}", h.GetAgent)
	mux.HandleFunc("DELETE /agents/{id}", h.DeleteAgent)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = middleware.RateLimitMiddleware(cfg.RateLimitPerSecond, cfg.RateLimitBurst)(handler)
	handler = middleware.RequestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
