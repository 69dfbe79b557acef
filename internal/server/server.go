// Package server wires the HTTP surface: the OpenAI and Claude chat
// frontdoors, model listing, and the admin API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/dispatch"
	"github.com/polyrelay/polyrelay/internal/quota"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/tokens"
)

// Options carries the collaborators and tunables the server needs.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Enforcer   *quota.Enforcer
	Estimator  *tokens.Estimator
	// Stores maps provider name to its credential store, for the admin
	// account API and reload.
	Stores map[string]credential.Store
	// Trackers maps provider name to its advisory rate-limit tracker.
	Trackers map[string]*ratelimit.Tracker

	RetryOn429        int
	HeartbeatInterval time.Duration
	// PassReasoningSignature forwards thinking signatures to Claude-format
	// clients.
	PassReasoningSignature bool
}

// Server is the gateway's HTTP front.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	opts   Options
	http   *http.Server
}

// New builds the router with the full middleware chain and route table.
func New(port int, logger *slog.Logger, opts Options) *Server {
	if opts.Estimator == nil {
		opts.Estimator = tokens.NewEstimator()
	}

	s := &Server{
		Port:   port,
		logger: logger,
		opts:   opts,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "polyrelay")
	})

	r.Get("/health", s.handleHealth)

	// Chat-completions surface.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Enforcer, renderOpenAIError))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
	})

	// Messages surface.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Enforcer, renderAnthropicError))
		r.Post("/v1/messages", s.handleMessages)
	})

	// Admin surface, master key only.
	r.Route("/admin", func(r chi.Router) {
		r.Use(TimeoutMiddleware(30 * time.Second))
		r.Use(AuthMiddleware(opts.Enforcer, renderOpenAIError))
		r.Use(s.requireMaster)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleAddAccount)
		r.Put("/accounts/{id}", s.handleUpdateAccount)
		r.Delete("/accounts/{id}", s.handleDeleteAccount)

		r.Get("/routes", s.handleListRoutes)
		r.Put("/routes/{id}", s.handleUpsertRoute)
		r.Delete("/routes/{id}", s.handleDeleteRoute)

		r.Get("/ratelimits", s.handleRateLimits)
		r.Post("/reload", s.handleReload)
	})

	s.Router = r
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
