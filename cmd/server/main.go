package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/gabriel-zp/zaifinancialctrl/internal/config"
	"github.com/gabriel-zp/zaifinancialctrl/internal/core"
	"github.com/gabriel-zp/zaifinancialctrl/internal/logging"
	"github.com/gabriel-zp/zaifinancialctrl/internal/sheets"
	"github.com/gabriel-zp/zaifinancialctrl/internal/store"
	"github.com/gabriel-zp/zaifinancialctrl/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"sheets_range", cfg.Sheets.RangeA1,
		"lock_key", cfg.Sync.LockKey,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	source, err := sheets.New(sheets.Config{
		SpreadsheetID:       cfg.Sheets.SpreadsheetID,
		RangeA1:             cfg.Sheets.RangeA1,
		TabName:             cfg.Sheets.Tab(),
		ServiceAccountEmail: cfg.Sheets.ServiceAccountEmail,
		ServiceAccountKey:   cfg.Sheets.ServiceAccountKey,
	})
	if err != nil {
		slog.Error("failed to create sheets client", "error", err)
		os.Exit(1)
	}

	st := store.New(pool, cfg.Sync.StageBatchSize)
	service := core.NewService(source, st, cfg.Sync.LockKey)
	server := web.NewServer(service, st, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
