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

	"github.com/tritrack/compliance/internal/app"
	"github.com/tritrack/compliance/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "Path to configuration file")
	skipMigrate := flag.Bool("skip-migrate", false, "Do not apply database migrations on start")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TriTrack compliance engine v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, !*skipMigrate); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) error {
	var opts []app.Option
	if migrate {
		opts = append(opts, app.WithMigrations())
	}
	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	sum, err := a.Seed(ctx)
	if err != nil {
		return fmt.Errorf("seeding defaults: %w", err)
	}
	logger.Info("defaults seeded",
		"policies", sum.Policies,
		"jobs", sum.Jobs,
		"settings", sum.Settings,
		"encrypted_settings", sum.EncryptedSettings)

	authSvc, err := a.Auth(ctx)
	if err != nil {
		return err
	}

	if err := a.RegisterTasks(); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Scheduler.Stop(stopCtx); err != nil {
			logger.Warn("scheduler did not stop cleanly", "error", err)
		}
	}()

	logger.Info("starting compliance engine",
		"version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"started_at", time.Now().UTC())
	return a.APIServer(authSvc).Run(ctx)
}
