// Package main is the entry point for the pgai schema service: the Schema
// Discoverer, Schema Cache, Change Detector, and fan-out Hub (spec.md
// §4.8-§4.11), exposed over the HTTP and WebSocket surface the gateway
// proxies `/schemas/*`, `/changes/*`, `/history/*`, `/analytics/*`, and
// `/schemas/ws` to.
package main

import (
	"context"
	"os"
	"time"

	"github.com/pgai-platform/gateway/internal/audit"
	"github.com/pgai-platform/gateway/internal/changedetect"
	"github.com/pgai-platform/gateway/internal/changehistory"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/discovery"
	"github.com/pgai-platform/gateway/internal/dsn"
	"github.com/pgai-platform/gateway/internal/fanout"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/pgai-platform/gateway/internal/registry"
	"github.com/pgai-platform/gateway/internal/schemaapi"
	"github.com/pgai-platform/gateway/internal/schemacache"
	"github.com/pgai-platform/gateway/internal/server"
	"github.com/pgai-platform/gateway/internal/vault"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := setupLogger(cfg)
	logger.Info().Str("env", cfg.Server.Env).Str("port", cfg.Server.Port).Msg("starting pgai schema service")

	postgres, err := database.NewPostgres(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer postgres.Close()

	migrationRunner := database.NewMigrationRunner(postgres, logger)
	if err := migrationRunner.RunFromStrings(context.Background(), database.GatewayMigrations()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	redis, err := database.NewRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redis.Close()

	v, err := vault.New(cfg.Vault.MasterKeyHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize credential vault")
	}

	auditLogger := audit.NewLogger(logger)
	reg := registry.New(postgres.DB, v, auditLogger)

	poolMgr := pool.NewManager(dsn.Build, cfg.Pool.GlobalMax, cfg.Pool.PerUserMax, logger)
	defer poolMgr.Close()

	discoverer := discovery.New(poolMgr, reg.OpenSecret, cfg.Discovery.MaxConcurrent, cfg.Discovery.AcquireTimeout, logger)
	cache := schemacache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, redis, logger)
	history := changehistory.New(postgres.DB)
	hub := fanout.New(logger)
	publisher := schemaapi.NewChangePublisher(history, hub, logger)

	detector := changedetect.New(discoverer, cache, publisher, cfg.ChangeDetect.RefreshInterval, cfg.ChangeDetect.BatchSize, logger)

	detectCtx, cancelDetect := context.WithCancel(context.Background())
	defer cancelDetect()
	go detector.Start(detectCtx)

	handler := schemaapi.New(reg, discoverer, cache, detector, history, hub, logger, cfg.IsDevelopment())

	srv := server.New(cfg, schemaapi.Routes(handler), logger)
	logger.Info().Str("addr", srv.Addr()).Msg("schema service ready to accept connections")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}

	hub.BroadcastShutdown()
	detector.Stop()
	logger.Info().Msg("schema service shutdown complete")
}

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
