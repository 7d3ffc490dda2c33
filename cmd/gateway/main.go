// Package main is the entry point for the pgai gateway edge service: the
// Admission Layer and Upstream Router (spec.md §4.6/§4.7) that fronts the
// connection, schema, view, versioning, and user services.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/metrics"
	"github.com/pgai-platform/gateway/internal/ratelimit"
	"github.com/pgai-platform/gateway/internal/router"
	"github.com/pgai-platform/gateway/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := setupLogger(cfg)
	logger.Info().
		Str("env", cfg.Server.Env).
		Str("port", cfg.Server.Port).
		Int("upstreams", len(cfg.Services)).
		Msg("starting pgai gateway")

	redis, err := database.NewRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redis.Close()

	ctx := context.Background()

	oidcIssuer := os.Getenv("OIDC_ISSUER_URL")
	oidcClientID := os.Getenv("OIDC_CLIENT_ID")
	if oidcIssuer == "" {
		logger.Fatal().Msg("OIDC_ISSUER_URL is required")
	}
	verifier, err := authctx.NewVerifier(ctx, oidcIssuer, oidcClientID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token verifier")
	}

	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout, logger)

	rateLimiters := ratelimit.NewProfiles(redis, logger,
		cfg.RateLimit.Auth.Window, cfg.RateLimit.API.Window, cfg.RateLimit.Public.Window)

	collector := metrics.New()

	go syncBreakerMetrics(ctx, breakers, collector, 5*time.Second)

	routingTablePath := os.Getenv("ROUTING_TABLE_FILE")
	if routingTablePath != "" {
		services, err := config.LoadRoutingTable(routingTablePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", routingTablePath).Msg("failed to load routing table file")
		}
		cfg.Services = services
		logger.Info().Str("path", routingTablePath).Int("services", len(services)).Msg("loaded routing table from file")
	}

	buildRouter := func() http.Handler {
		return router.New(router.Dependencies{
			Config:         cfg,
			Logger:         logger,
			Breakers:       breakers,
			Verifier:       verifier,
			RateLimiters:   rateLimiters,
			MetricsHandler: collector.Handler(),
			Development:    cfg.IsDevelopment(),
		})
	}

	handler := newReloadableHandler(buildRouter())

	if routingTablePath != "" {
		watcher, err := config.NewRouteWatcher(routingTablePath, logger, func(services map[string]config.ServiceConfig) {
			cfg.Services = services
			handler.swap(buildRouter())
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start routing table watcher")
		}
		defer watcher.Stop()
	}

	srv := server.New(cfg, handler, logger)
	logger.Info().Str("addr", srv.Addr()).Msg("gateway ready to accept connections")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := srv.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("gateway shutdown complete")
}

// syncBreakerMetrics periodically snapshots the breaker registry into the
// Prometheus collector; the registry itself has no change notifications to
// subscribe to, so polling is the simplest way to keep /metrics current.
func syncBreakerMetrics(ctx context.Context, breakers *breaker.Registry, collector *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SyncBreakers(breakers.Snapshot())
		}
	}
}

// setupLogger configures zerolog based on environment.
func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Logging.Format == "console" || cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return logger
}
