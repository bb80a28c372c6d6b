// Package server is the HTTP front of the gateway: routing, access-token
// auth, request validation, and the stream/aggregate response writers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/config"
	"github.com/yuanhang110/DeepClaude-Pro/internal/pipeline"
	"github.com/yuanhang110/DeepClaude-Pro/internal/upstream"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// heartbeatInterval paces keep-alive frames while an upstream stage is
// quiet, so intermediaries do not drop the idle connection.
const heartbeatInterval = 15 * time.Second

// Server wires the router, the orchestrator, and the provider adapters.
type Server struct {
	cfg        *config.Config
	orch       *pipeline.Orchestrator
	model      string
	httpServer *http.Server
}

// New builds a server from startup configuration. Provider and pipeline
// misconfiguration is reported here, before the listener opens.
func New(cfg *config.Config) (*Server, error) {
	slots := make(map[string]pipeline.Upstream, 2)
	models := make(map[string]string, 2)
	for _, role := range []string{codec.RoleReasoning, codec.RoleGeneration} {
		if err := cfg.ProviderReady(role); err != nil {
			return nil, err
		}
		client, err := upstream.New(role, cfg.Providers[role])
		if err != nil {
			return nil, err
		}
		slots[role] = client
		models[role] = cfg.Providers[role].Model
	}

	orch, err := pipeline.New(cfg.Pipeline, slots)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		orch: orch,
		// The composite model id names both halves of the pipeline.
		model: models[codec.RoleReasoning] + "_" + models[codec.RoleGeneration],
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Server.AccessToken))
		r.Post("/chat/completions", s.handleChatCompletions)
	})

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Bounds the whole streaming session, so it must exceed the
		// upstream call timeouts.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler exposes the routed handler for in-process tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }
