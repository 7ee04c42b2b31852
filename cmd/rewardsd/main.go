package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"launchrewards/config"
	"launchrewards/engine"
	"launchrewards/leaderboard"
	"launchrewards/ledger"
	"launchrewards/models"
	"launchrewards/observability/logging"
	telemetry "launchrewards/observability/otel"
	"launchrewards/server"
	"launchrewards/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rewardsd exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	env := strings.TrimSpace(os.Getenv("REWARDS_ENV"))
	logging.Setup("rewardsd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rewardsd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap database pool: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	st := store.New(db)
	queries := leaderboard.New(db, cfg.MinTrades)
	elector := engine.NewPostgresElector(sqlDB)

	gateway := ledger.New(ledger.Config{
		RPCURL:     cfg.RPCURL,
		PrivateKey: cfg.VaultPrivateKey,
		TokenMint:  cfg.TokenMint,
		BagsAPIKey: cfg.BagsAPIKey,
	}, slog.Default())
	gateway.Init(context.Background())

	eng := engine.New(engine.Config{
		PoolBps:      cfg.PoolBps,
		MinTrades:    cfg.MinTrades,
		VaultReserve: cfg.VaultReserve,
		DryRun:       cfg.DryRun,
		TickInterval: cfg.TickInterval,
		LeaderCheck:  cfg.LeaderCheck,
		StuckTimeout: cfg.StuckTimeout,
	}, st, queries, gateway, elector)
	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	handler := server.New(server.Config{
		Engine:      eng,
		Store:       st,
		AdminSecret: cfg.AdminSecret,
		PoolBps:     cfg.PoolBps,
		MinTrades:   cfg.MinTrades,
	})
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		slog.Info("rewardsd listening", "addr", httpServer.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.Stop(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		eng.Stop(context.Background())
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
