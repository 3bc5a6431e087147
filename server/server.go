// Package server exposes the method channel over HTTP: method calls as JSON
// POSTs, worker events as a server-sent event stream, plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/channel"
)

const readHeaderTimeout = 10 * time.Second

// Config configures the HTTP server
type Config struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EventBuffer     int           `mapstructure:"event_buffer"`
	KeepAlive       time.Duration `mapstructure:"keepalive"`
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:8765",
		ShutdownTimeout: 10 * time.Second,
		EventBuffer:     100,
		KeepAlive:       30 * time.Second,
	}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithStateFunc reports the relay state on /healthz
func WithStateFunc(fn func() string) Option {
	return func(s *Server) {
		s.state = fn
	}
}

// Server serves one method channel
type Server struct {
	config   Config
	channel  *channel.Channel
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	state    func() string
	router   chi.Router

	streamMu sync.Mutex
	stream   *eventStream
	closing  bool

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a server for ch
func New(ch *channel.Channel, config Config, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}

	s := &Server{config: config, channel: ch}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.logRequests,
	)
	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/methods/{method}", s.callMethod)
		r.Get("/events", s.events)
	})
	s.router = r
	return s
}

// Handler returns the server's router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Run is listening
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run serves until ctx ends, then shuts down and disposes the relay
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.addrMu.Lock()
	s.addr = listener.Addr()
	s.addrMu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	s.logger.Info("server listening", zap.Stringer("addr", listener.Addr()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Event streams never finish on their own
	s.closeStream()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	if _, err := s.channel.Invoke(shutdownCtx, "dispose", map[string]any{}); err != nil {
		s.logger.Warn("dispose failed", zap.Error(err))
	}
	s.channel.Wait()
	s.logger.Info("server stopped")
	return runErr
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.state != nil {
		body["state"] = s.state()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
