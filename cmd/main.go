package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"moonvpn/internal/bootstrap"
	"moonvpn/internal/config"
	cronpkg "moonvpn/internal/cron"
	"moonvpn/internal/lock"
	"moonvpn/internal/middleware"
	"moonvpn/internal/migration"
	"moonvpn/internal/notify"
	"moonvpn/internal/panel"
	"moonvpn/internal/provisioning"
	"moonvpn/internal/reconcile"
	"moonvpn/internal/registry"
	"moonvpn/internal/repository"
	"moonvpn/internal/router"
)

func main() {
	if hasArg("--bootstrap-db") {
		logger := mustLogger(false)
		defer logger.Sync()
		if err := runDBBootstrap(logger); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := mustLogger(cfg.IsDevelopment())
	defer logger.Sync()

	if subject, ok := argValue("--issue-token"); ok {
		token, err := middleware.IssueToken(cfg.JWT.Secret, subject, 24*time.Hour)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.MigrateAndSeed(db); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}

	// --- Account lock (Redis with in-memory fallback) ---
	locker, lockErr := lock.New(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB, cfg.Provisioning.LockTTL, logger)
	if lockErr != nil {
		logger.Warn("Redis unavailable for account locks, using in-memory fallback", zap.Error(lockErr))
	}

	// --- Notifications ---
	notifier := notify.New(cfg.Bot.Token, cfg.Bot.AdminID, logger)

	// --- Repositories ---
	panels := repository.NewPanelRepository(db)
	inbounds := repository.NewInboundRepository(db)
	accounts := repository.NewAccountRepository(db)
	plans := repository.NewPlanRepository(db)
	migrations := repository.NewMigrationRepository(db)
	orphans := repository.NewOrphanRepository(db)

	// --- Panel sessions and load model ---
	pool := panel.NewPool(panels, panel.OptionsFromConfig(cfg.Panel), logger)
	reg := registry.New(panels, inbounds, logger)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reg.Load(startCtx); err != nil {
		logger.Fatal("Failed to load panel registry", zap.Error(err))
	}
	cancelStart()

	// --- Domain services ---
	engine := provisioning.New(provisioning.Repos{
		Accounts: accounts,
		Plans:    plans,
		Inbounds: inbounds,
		Orphans:  orphans,
	}, reg, pool, locker, provisioning.Options{
		RenewPolicy:     cfg.Provisioning.RenewPolicy,
		DefaultProtocol: cfg.Provisioning.DefaultProtocol,
	}, logger)

	coordinator := migration.New(migration.Repos{
		Accounts:   accounts,
		Migrations: migrations,
		Inbounds:   inbounds,
	}, reg, pool, engine, locker, notifier, migration.Options{
		OverloadThreshold: cfg.Balancing.OverloadThreshold,
		RebalanceBatch:    cfg.Balancing.RebalanceBatch,
	}, logger)

	reconciler := reconcile.New(reconcile.Repos{
		Accounts:   accounts,
		Panels:     panels,
		Inbounds:   inbounds,
		Orphans:    orphans,
		Migrations: migrations,
	}, reg, pool, locker, notifier, reconcile.Options{
		Concurrency:       cfg.Balancing.SweepConcurrency,
		OrphanMaxAttempts: cfg.Balancing.OrphanMaxAttempts,
	}, logger)

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(cfg.Schedule, cfg.Balancing, reconciler, coordinator, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true

	// --- Routes ---
	router.Setup(e, db, router.Services{
		Provisioner: engine,
		Migrator:    coordinator,
		Load:        reg,
		Inbounds:    reconciler,
		Pool:        pool,
		Jobs:        scheduler,
	}, logger, cfg.API.Key, cfg.JWT.Secret)

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting MoonVPN server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Stop cron
	ctx := scheduler.Stop()
	select {
	case <-ctx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Cron jobs still running at exit")
	}

	if w, ok := notifier.(interface{ Wait() }); ok {
		w.Wait()
	}

	logger.Info("Server exited")
}

func mustLogger(development bool) *zap.Logger {
	build := zap.NewProduction
	if development {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func hasArg(name string) bool {
	_, ok := argValue(name)
	return ok
}

// argValue returns the argument following name, or "" when name is last.
func argValue(name string) (string, bool) {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == name {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
	}
	return "", false
}

func runDBBootstrap(logger *zap.Logger) error {
	dbCfg, err := config.LoadDatabaseOnly()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(dbCfg)
	if err != nil {
		return err
	}
	if err := bootstrap.MigrateAndSeed(db); err != nil {
		return err
	}
	logger.Info("Schema migration and seed completed")
	return nil
}
