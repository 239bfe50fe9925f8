package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/care/detectiond/internal/config"
	"github.com/care/detectiond/internal/core"
)

const defaultConfigPath = "config/detectiond.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting detection service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	service, err := core.NewService(cfg, logger)
	if err != nil {
		slog.Error("failed to create detection service", "error", err)
		os.Exit(1)
	}

	health := service.StartHealthServer(cfg.Health.Port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- service.Run(ctx)
	}()

	shutdownTimeout := service.ShutdownTimeout()

	exitCode := 0
	var shutdownCtx context.Context
	var shutdownCancel context.CancelFunc
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), shutdownTimeout)
		// loops must be stopped before the store and detector close
		stopped, err := waitForRun(shutdownCtx, errChan)
		if !stopped {
			slog.Warn("service did not stop before shutdown deadline")
		} else if err != nil {
			slog.Error("service error", "error", err)
			exitCode = 1
		}
	case err := <-errChan:
		if err != nil {
			// broker discovery and connection failures end up here
			slog.Error("service error", "error", err)
			exitCode = 1
		} else {
			slog.Info("service stopped")
		}
		cancel()
		shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), shutdownTimeout)
	}
	defer shutdownCancel()

	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}
	if err := health.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown failed", "error", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	slog.Info("detection service stopped successfully")
}

// waitForRun waits for Run to report back. stopped is false when ctx ended first.
func waitForRun(ctx context.Context, errChan <-chan error) (stopped bool, err error) {
	select {
	case err := <-errChan:
		return true, err
	case <-ctx.Done():
		return false, nil
	}
}
