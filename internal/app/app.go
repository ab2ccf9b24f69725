package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cipherpost/cipherpost-server/internal/api"
	"github.com/cipherpost/cipherpost-server/internal/auth"
	"github.com/cipherpost/cipherpost-server/internal/config"
	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/logging"
	"github.com/cipherpost/cipherpost-server/internal/queue/redisqueue"
	"github.com/cipherpost/cipherpost-server/internal/service"
	"github.com/cipherpost/cipherpost-server/internal/storage"
	"github.com/cipherpost/cipherpost-server/internal/storage/postgres"
)

type Application struct {
	Server   *http.Server
	Store    storage.Store
	registry *service.Registry
	notary   *service.Notary
	redis    *redis.Client
}

// New builds the delivery server: storage, offline queue, ledger client,
// registry, notary pool, courier, and the HTTP surface. The notary pool
// starts immediately and runs until Shutdown.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	var redisClient *redis.Client
	var pending service.OfflineQueue
	if *cfg.Delivery.EnableOfflineQueue {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			store.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		queue, err := redisqueue.New(redisqueue.Params{
			Client: redisClient,
			TTL:    time.Duration(cfg.Redis.PendingTTLSeconds) * time.Second,
		})
		if err != nil {
			redisClient.Close()
			store.Close()
			return nil, fmt.Errorf("build offline queue: %w", err)
		}
		pending = queue
	}

	cleanup := func() {
		if redisClient != nil {
			redisClient.Close()
		}
		store.Close()
	}

	ledgerClient, err := ledger.NewHTTPClient(ledger.HTTPClientParams{
		BaseURL:    cfg.Ledger.BaseURL,
		WriteToken: cfg.Ledger.WriteToken,
		Timeout:    time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build ledger client: %w", err)
	}

	registry := service.NewRegistry(logger)

	notary, err := service.NewNotary(service.NotaryParams{
		Store:       store,
		Ledger:      ledgerClient,
		Logger:      logger,
		Workers:     cfg.Notary.Workers,
		QueueSize:   cfg.Notary.QueueSize,
		MaxAttempts: cfg.Notary.MaxAttempts,
		MaxBackoff:  time.Duration(cfg.Notary.MaxBackoffSeconds) * time.Second,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build notary: %w", err)
	}

	courier, err := service.NewCourier(service.CourierParams{
		Store:       store,
		Registry:    registry,
		Notary:      notary,
		Ledger:      ledgerClient,
		Pending:     pending,
		Logger:      logger,
		ServiceName: cfg.Logging.Service,
		Version:     cfg.Logging.Version,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build courier: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build token verifier: %w", err)
	}

	handler := api.NewHandler(courier, verifier, logger, cfg.Delivery.SendQueueSize)
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Notarization attempts outlive their originating connections, so the
	// pool runs on the application context rather than any request context.
	notary.Start(ctx)

	return &Application{
		Server:   server,
		Store:    store,
		registry: registry,
		notary:   notary,
		redis:    redisClient,
	}, nil
}

// Shutdown drains the HTTP server, closes live channels, waits for in-flight
// notarization attempts, then releases storage connections.
func (a *Application) Shutdown(ctx context.Context) error {
	defer func() {
		if a.redis != nil {
			a.redis.Close()
		}
		a.Store.Close()
	}()
	err := a.Server.Shutdown(ctx)
	a.registry.CloseAll()
	if stopErr := a.notary.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
