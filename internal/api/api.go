// Package api provides the HTTP management surface for FlowDesk.
//
// It exposes RESTful endpoints for managing the flow catalog, simulating flow
// definitions, and reading ticket transcripts. Inbound WhatsApp traffic does
// not pass through this API except for transports that deliver over webhooks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/flow"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
)

// Server configuration defaults.
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on context cancellation.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server serves the FlowDesk management API.
type Server struct {
	store  store.Store
	interp *flow.Interpreter
	addr   string
	mux    *http.ServeMux
}

// NewServer creates an API server over the given store.
func NewServer(st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		store:  st,
		interp: flow.NewInterpreter(),
		addr:   cfg.Addr,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /flows", s.upsertFlowHandler)
	s.mux.HandleFunc("GET /flows", s.listFlowsHandler)
	s.mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	s.mux.HandleFunc("POST /flows/{id}/simulate", s.simulateFlowHandler)
	s.mux.HandleFunc("GET /tickets/{id}/messages", s.ticketMessagesHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
}

// Handle registers an extra handler on the server's mux, e.g. a transport
// webhook.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the server's HTTP handler (tests).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
