// Package main implements the testenv CLI, which brings up the
// integration-test environment (container daemon, Postgres and Mailpit
// containers, migrated template database) outside a test runner, for
// local development and debugging. The environment stays up until the
// process receives SIGINT or SIGTERM; teardown always runs, so an
// aborted run never leaves orphaned containers or databases behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sovrium/sovrium-sub013/internal/config"
	"github.com/sovrium/sovrium-sub013/internal/harness"
	"github.com/sovrium/sovrium-sub013/internal/platform/logger"
)

// teardownTimeout bounds how long an interrupted run waits for cleanup.
const teardownTimeout = 2 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to a testenv.yaml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("testenv: %v", err)
	}
}

func run(configPath string) error {
	cfg, appLogger, err := initialize(configPath)
	if err != nil {
		return err
	}

	h := harness.New(cfg, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, teardown, err := h.Setup(ctx)
	if err != nil {
		return fmt.Errorf("environment setup failed: %w", err)
	}

	// Teardown must run even when we exit through a signal; this defer is
	// the only exit path and the closure is exactly-once.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := teardown(teardownCtx); err != nil {
			appLogger.Error("teardown reported errors", "error", err)
		}
	}()

	appLogger.Info("environment ready",
		"template", env.TemplateName,
		"mailpit_api", env.MailpitAPIURL,
	)
	fmt.Printf("DATABASE_URL=%s\n", env.DatabaseURL)
	fmt.Printf("SOVRIUM_TEST_TEMPLATE_DB=%s\n", env.TemplateName)
	fmt.Printf("SOVRIUM_TEST_MAILPIT_SMTP=%s\n", env.MailpitSMTPAddr)
	fmt.Printf("SOVRIUM_TEST_MAILPIT_API=%s\n", env.MailpitAPIURL)
	fmt.Println("Press Ctrl-C to tear the environment down.")

	<-ctx.Done()
	appLogger.Info("shutdown requested, tearing environment down")
	return nil
}

// initialize loads configuration and sets up the structured logger.
func initialize(configPath string) (*config.Config, *slog.Logger, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("configuration loaded",
		"postgres_image", cfg.Postgres.Image,
		"mailpit_image", cfg.Mailpit.Image,
		"mailpit_embedded", cfg.Mailpit.Embedded,
		"log_level", cfg.Log.Level,
	)

	if os.Getenv("DOCKER_HOST") != "" {
		appLogger.Debug("docker host override active", "docker_host", os.Getenv("DOCKER_HOST"))
	}

	return cfg, appLogger, nil
}
