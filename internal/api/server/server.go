// Package server provides HTTP server lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/internal/config"
)

// Server represents the HTTP server.
type Server struct {
	cfg *config.ServerConfig
	srv *http.Server
	log zerolog.Logger
}

// New creates a new Server serving handler.
func New(cfg *config.ServerConfig, handler http.Handler, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. TLS is used when a certificate
// and key are configured.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tls := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	s.log.Info().
		Str("address", ln.Addr().String()).
		Bool("tls", tls).
		Msg("server started")

	errChan := make(chan error, 1)
	go func() {
		if tls {
			errChan <- s.srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			errChan <- s.srv.Serve(ln)
		}
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		return s.shutdown()
	}
}

// shutdown gracefully stops the server.
func (s *Server) shutdown() error {
	ctx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info().Msg("server stopped gracefully")
	return nil
}
