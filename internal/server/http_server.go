// Package server constructs and starts the relay's HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/logging"
)

// Server ties the hub, the WebSocket upgrader and the HTTP listener together.
type Server struct {
	cfg        *Config
	hub        *Hub
	origins    *originPolicy
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	httpServer *http.Server
}

// NewServer builds a Server that persists chat history to store.
func NewServer(cfg *Config, store history.Store, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	log := logger.With().Str(logging.FieldComponent, "http").Logger()

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(store, cfg.Broadcast, logger),
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.httpServer = CreateServer(cfg.Port, s.SetupRoutes())
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ClientCount returns the number of clients currently in the registry.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// StartHub starts the hub loop in its own goroutine. It must run before
// clients connect.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info().Msg("hub started and ready to manage WebSocket connections")
}

// Start runs the hub and serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.StartHub()
	return StartServer(s.httpServer, s.log)
}

// Shutdown stops accepting connections, then closes every client.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error
	if err := ShutdownServer(s.httpServer, timeout, s.log); err != nil {
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits.
// A clean shutdown returns nil.
func StartServer(server *http.Server, log zerolog.Logger) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, log zerolog.Logger) error {
	log.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Msg("HTTP server shutdown completed")
	return nil
}
