// Package daemon hosts the HTTP ingress server and the data directory lock
// of a running masix runtime.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Ingress paths of the bridged channels.
const (
	WhatsAppPath = "/ingress/whatsapp"
	SMSPath      = "/ingress/sms"
)

// maxIngressBody bounds an ingress POST body.
const maxIngressBody = 1 << 20

// Options selects the handlers mounted on the server. Nil handlers leave
// their route unmounted.
type Options struct {
	Listen   string
	WhatsApp http.Handler
	SMS      http.Handler
	Metrics  http.Handler
	// Status adds fields to the /health payload.
	Status func() map[string]any
}

// Server is the HTTP listener for bridge ingress, health and metrics.
type Server struct {
	opts    Options
	router  chi.Router
	logger  zerolog.Logger
	started time.Time

	mu     sync.Mutex
	addr   string
	ready  chan struct{} // closed once the listener is bound in Start()
	server *http.Server
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logger.With().Str("component", "ingress").Logger(),
		ready:  make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.Group(func(r chi.Router) {
		r.Use(chimw.RequestSize(maxIngressBody))
		if s.opts.WhatsApp != nil {
			r.Method(http.MethodPost, WhatsAppPath, s.opts.WhatsApp)
		}
		if s.opts.SMS != nil {
			r.Method(http.MethodPost, SMSPath, s.opts.SMS)
		}
	})
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves until Shutdown. It returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info().Str("addr", s.addr).Msg("ingress listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving ingress: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound the listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
	}
	s.mu.Lock()
	if !s.started.IsZero() {
		body["uptime_secs"] = int(time.Since(s.started).Seconds())
	}
	s.mu.Unlock()
	if s.opts.Status != nil {
		for k, v := range s.opts.Status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: write json response: %v\n", err)
	}
}
