// Package main is the entry point for linkedge, an edge redirect engine. It
// keeps the full rule set in memory, follows the rule authority's change
// stream and answers redirect requests without a database round trip.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/linkedge/linkedge/internal/config"
	"github.com/linkedge/linkedge/internal/observability"
	iredis "github.com/linkedge/linkedge/internal/redis"
	"github.com/linkedge/linkedge/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("linkedge %s\n", version)
		return
	}

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, levelVar := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	iredis.InitLogger(logger)
	logger.Info("starting linkedge", "version", version, "stream_mode", cfg.Stream.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, levelVar, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		stop()
		os.Exit(1)
	}

	logger.Info("linkedge shut down gracefully")
}
