package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/payroll-infra/internal/api"
	"github.com/example/payroll-infra/internal/batch"
	"github.com/example/payroll-infra/internal/config"
	"github.com/example/payroll-infra/internal/provision"
	"github.com/example/payroll-infra/internal/reconcile"
	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
	"github.com/example/payroll-infra/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	addr := getenv("API_ADDR", ":8080")

	st, cleanup, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	backend := settlement.NewMock()
	backend.Fund(cfg.VaultAccountID, getenvInt64("VAULT_SEED_AMOUNT", 0))

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	anchors := audit.NewAnchorChain()

	orchestrator := batch.NewOrchestrator(batch.OrchestratorConfig{
		Store:             st,
		Backend:           backend,
		Anchors:           anchors,
		Logger:            logger,
		VaultAccountID:    cfg.VaultAccountID,
		AuthorizedAddress: cfg.ApproverAddress,
	})

	provisioner := provision.NewService(st, backend, logger)

	// The reconciler must query the same backend instance transfers were
	// submitted to, so it runs inside the API process for every store driver.
	reconciler := reconcile.New(reconcile.Config{
		Store:          st,
		Backend:        backend,
		Logger:         logger,
		Interval:       cfg.ReconcileInterval,
		MaxAttempts:    cfg.ReconcileMaxAttempts,
		BatchSize:      cfg.ReconcileBatchSize,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	go reconciler.Run(context.Background())

	router := api.NewRouter(api.Dependencies{
		Logger:      logger,
		Store:       st,
		Backend:     backend,
		Executor:    orchestrator,
		Provisioner: provisioner,
		Anchors:     anchors,
		Redis:       redisClient,
		FeeBps:      cfg.FeeBps,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		reconciler.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("payroll api listening", "addr", addr, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool.Close, nil
	case "sqlite":
		s, err := store.OpenSQLite(context.Background(), cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}
