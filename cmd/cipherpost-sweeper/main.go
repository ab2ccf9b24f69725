package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cipherpost/cipherpost-server/internal/config"
	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/logging"
	"github.com/cipherpost/cipherpost-server/internal/service"
	"github.com/cipherpost/cipherpost-server/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/sweeper.yaml", "path to sweeper config")
	flag.Parse()

	cfg, err := config.LoadSweeper(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger()

	store, err := postgres.Open(context.Background(), cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	ledgerClient, err := ledger.NewHTTPClient(ledger.HTTPClientParams{
		BaseURL:    cfg.Ledger.BaseURL,
		WriteToken: cfg.Ledger.WriteToken,
		Timeout:    time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("failed to build ledger client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The sweeper drives attempts inline, so the notary's worker pool stays
	// unstarted here; it only supplies the attempt bookkeeping.
	notary, err := service.NewNotary(service.NotaryParams{
		Store:       store,
		Ledger:      ledgerClient,
		Logger:      logger,
		MaxAttempts: cfg.Sweep.MaxAttempts,
		MaxBackoff:  time.Duration(cfg.Sweep.MaxBackoffSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("failed to build notary", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sweeper, err := service.NewSweeper(store, notary, cfg.Sweep.BatchSize, logger)
	if err != nil {
		logger.Error("failed to build sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched, err := cfg.SweepSchedule()
	if err != nil {
		logger.Error("invalid sweep schedule", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("reconciliation sweeper started",
		slog.String("schedule", cfg.Sweep.Schedule),
		slog.Int("batch_size", cfg.Sweep.BatchSize),
	)
	if err := sweeper.Run(ctx, sched); err != nil {
		logger.Error("sweeper stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("sweeper stopped")
}
