// Package server exposes the callback API backends use to report
// completions, open approval gates and wait for decisions.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/agentremote/pkg/bus"
	"github.com/odvcencio/agentremote/pkg/control"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/storage"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

// Config wires a Server.
type Config struct {
	Bind       string
	Controller *control.Controller
	Tokens     *TokenManager

	// Bus carries completion reports to whichever instance applies them.
	// Without one, completions are applied in the request.
	Bus      bus.MessageBus
	Subjects bus.Subjects

	// Ledger adds transition history to task lookups when set.
	Ledger *storage.TaskLedger

	Metrics       *telemetry.Metrics
	PublicMetrics bool
	Logger        *logging.Logger
}

// Server is the callback HTTP API.
type Server struct {
	cfg        Config
	ctl        *control.Controller
	tokens     *TokenManager
	logger     *logging.Logger
	httpServer *http.Server
}

// New validates cfg and creates a Server.
func New(cfg Config) (*Server, error) {
	var problems []string
	if cfg.Controller == nil {
		problems = append(problems, "callback server requires a controller")
	}
	if cfg.Tokens == nil {
		problems = append(problems, "server.callback_secret is required when the server is enabled")
	}
	if strings.TrimSpace(cfg.Bind) == "" {
		problems = append(problems, "server.bind is required when the server is enabled")
	}
	if len(problems) > 0 {
		return nil, agenterrors.Configuration(problems...)
	}
	return &Server{
		cfg:    cfg,
		ctl:    cfg.Controller,
		tokens: cfg.Tokens,
		logger: cfg.Logger,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(securityHeadersMiddleware)
	router.Use(s.accessLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.cfg.PublicMetrics {
		router.Handle("/metrics", s.cfg.Metrics.Handler())
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(requireScope(ScopeCompletion)).Post("/tasks/{taskID}/completion", s.handleCompletion)
		r.With(requireScope(ScopeStatus)).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(requireScope(ScopeStatus)).Get("/status", s.handleStatus)
		r.Route("/approvals", func(r chi.Router) {
			r.Use(requireScope(ScopeApproval))
			r.Post("/", s.handleRequestApproval)
			r.Get("/resolution", s.handleNextResolution)
			r.Get("/{handleID}", s.handleWaitApproval)
		})
		if !s.cfg.PublicMetrics {
			r.With(requireScope(ScopeStatus)).Handle("/metrics", s.cfg.Metrics.Handler())
		}
	})
	return router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryNetwork, "listening", "callback server listening", map[string]any{
			"bind": s.cfg.Bind,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
