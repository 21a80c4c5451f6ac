// Package microservice hosts the HTTP side of the bridge: a gorilla/mux
// router with health and metrics endpoints and an optional CORS wrapper.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BaseConfig holds the HTTP settings shared by every service.
type BaseConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BaseServer provides the router and lifecycle for the HTTP server.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPAddr   string
	httpServer *http.Server
	router     *mux.Router
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates a BaseServer. /healthz is always served; /metrics
// is served when reg is not nil. An empty origins list disables CORS.
func NewBaseServer(logger zerolog.Logger, cfg BaseConfig, reg *prometheus.Registry) *BaseServer {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", HealthzHandler).Methods(http.MethodGet)
	if reg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	var handler http.Handler = router
	if len(cfg.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
			handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "OPTIONS"}),
			handlers.AllowCredentials(),
		)(router)
	}

	return &BaseServer{
		Logger:   logger.With().Str("component", "BaseServer").Logger(),
		HTTPAddr: cfg.HTTPAddr,
		router:   router,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.HTTPAddr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
// Hijacked WebSocket connections are not tracked here; the gateway closes them.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is listening on.
func (s *BaseServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.HTTPAddr
	}
	return s.actualAddr
}

// GetHTTPPort returns the port the server is listening on, as ":port".
func (s *BaseServer) GetHTTPPort() string {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return s.HTTPAddr
	}
	return ":" + port
}

// Router returns the underlying router.
func (s *BaseServer) Router() *mux.Router {
	return s.router
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
