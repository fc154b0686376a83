// Package server exposes the chat core over HTTP for daemon mode: turns
// are relayed to clients as SSE streams of canonical events, and the
// transcript store is browsable through a small JSON API.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server is the HTTP front of the chat daemon.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
}

// New builds the router with the standard middleware stack and mounts the
// chat API.
func New(port int, logger *slog.Logger, manager *Manager) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "polyglot-chat")
	})

	h := &handlers{manager: manager, logger: logger}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", h.listProviders)
		r.Get("/conversations", h.listConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Get("/export", h.exportConversation)
			r.Post("/archive", h.archiveConversation)
			r.Post("/messages", h.sendMessage)
			r.Post("/regenerate", h.regenerate)
			r.Post("/stop", h.stopGeneration)
		})
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Addr returns the listen address for the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Start blocks serving HTTP.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return http.ListenAndServe(s.Addr(), s.Router)
}
