// Package main is the entry point for the pgai connection service: the
// Credential Vault, Connection Registry, Pool Manager, and Connection
// Tester (spec.md §4.1-§4.4), exposed over the HTTP surface the gateway
// proxies `/connections/*` to.
package main

import (
	"context"
	"os"
	"time"

	"github.com/pgai-platform/gateway/internal/audit"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/connectionapi"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/dsn"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/pgai-platform/gateway/internal/registry"
	"github.com/pgai-platform/gateway/internal/server"
	"github.com/pgai-platform/gateway/internal/tester"
	"github.com/pgai-platform/gateway/internal/vault"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := setupLogger(cfg)
	logger.Info().Str("env", cfg.Server.Env).Str("port", cfg.Server.Port).Msg("starting pgai connection service")

	postgres, err := database.NewPostgres(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer postgres.Close()

	migrationRunner := database.NewMigrationRunner(postgres, logger)
	if err := migrationRunner.RunFromStrings(context.Background(), database.GatewayMigrations()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	v, err := vault.New(cfg.Vault.MasterKeyHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize credential vault")
	}

	auditLogger := audit.NewLogger(logger)
	reg := registry.New(postgres.DB, v, auditLogger)

	poolMgr := pool.NewManager(dsn.Build, cfg.Pool.GlobalMax, cfg.Pool.PerUserMax, logger)
	defer poolMgr.Close()

	connTester := tester.New(dsn.Build, cfg.Tester.TestTimeout, cfg.Tester.MaxBatch, cfg.Pool.TunnelEnabled, logger)

	handler := connectionapi.New(reg, poolMgr, connTester, auditLogger, logger, cfg.IsDevelopment())

	srv := server.New(cfg, connectionapi.Routes(handler), logger)
	logger.Info().Str("addr", srv.Addr()).Msg("connection service ready to accept connections")

	if err := srv.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("connection service shutdown complete")
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
