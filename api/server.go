// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package api serves the plug's live status, toggle command, stored history,
// energy total and report exports over HTTP, plus a small dashboard page.
//
// Routes:
//
//	GET  /             dashboard
//	GET  /api/status   live snapshot {connected, power_on, current, voltage, watt}
//	POST /api/toggle   {success, power_on} or {success:false, error}
//	GET  /api/data     stored readings, optionally bounded by ?from=&to=
//	GET  /api/energy   {energy_kwh} rounded to 4 decimal places, same bounds
//	GET  /api/export   ?format=xlsx|pdf report download, same bounds
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
	requestTimeout    = 30 * time.Second
)

// Backend is the core surface the handlers call
type Backend interface {
	Snapshot(ctx context.Context) monitoring.Status
	TogglePower(ctx context.Context) monitoring.ToggleResult
	HistoryRange(ctx context.Context, from, to time.Time) ([]monitoring.Reading, error)
	Energy(ctx context.Context, from, to time.Time) (monitoring.EnergyResult, error)
}

// Config holds the request layer settings
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RateLimit      float64 // requests per second across all clients; 0 disables
	RateBurst      int
	DeviceID       string
	PollInterval   time.Duration
}

// Server is the HTTP request layer
type Server struct {
	backend Backend
	cfg     Config
	handler http.Handler
	now     func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server; call Start to begin listening
func NewServer(backend Backend, cfg Config) *Server {
	s := &Server{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", instrument("index", http.HandlerFunc(s.handleIndex)))
	mux.Handle("GET /api/status", instrument("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /api/toggle", instrument("toggle", http.HandlerFunc(s.handleToggle)))
	mux.Handle("GET /api/data", instrument("data", http.HandlerFunc(s.handleData)))
	mux.Handle("GET /api/energy", instrument("energy", http.HandlerFunc(s.handleEnergy)))
	mux.Handle("GET /api/export", instrument("export", http.HandlerFunc(s.handleExport)))

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	return chain(mux,
		requestIDMiddleware,
		loggingMiddleware,
		corsMiddleware(s.cfg.AllowedOrigins),
		rateLimitMiddleware(limiter),
		timeoutMiddleware(requestTimeout),
	)
}

// Start binds the listen address and serves in the background. The bound
// address is available from Addr once Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP API server")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP API server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
