// Package server wraps net/http.Server with the gateway's graceful
// shutdown sequence: stop accepting new connections on SIGINT/SIGTERM,
// give in-flight requests a shutdown window, then force-close.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgai-platform/gateway/internal/config"
	"github.com/rs/zerolog"
)

// Server wraps an http.Server with the config-driven timeouts and
// shutdown window shared by the gateway, connection, and schema binaries.
type Server struct {
	http   *http.Server
	cfg    *config.Config
	logger zerolog.Logger
}

// New builds a Server bound to cfg.Server.Port with its configured
// read/write/idle timeouts.
func New(cfg *config.Config, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the server and blocks until ctx is canceled or a SIGINT/SIGTERM
// arrives, then drains in-flight requests within Server.ShutdownTimeout
// before forcing the listener closed.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Str("env", s.cfg.Server.Env).Msg("http server listening")
		serverErrors <- s.http.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-signalCtx.Done():
		s.logger.Info().Msg("shutdown signal received, draining in-flight requests")
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("graceful shutdown failed, forcing close")
		if closeErr := s.http.Close(); closeErr != nil {
			return closeErr
		}
		return nil
	}

	s.logger.Info().Msg("server shutdown complete")
	return nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.http.Addr
}
