package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	motion "github.com/e7canasta/orion-motion"
	"github.com/e7canasta/orion-motion/internal/config"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	envPath := flag.String("env", ".env", "Path to .env file with MOTION_* overrides")
	videoPath := flag.String("video", "", "Video to compare (overrides video.path)")
	backend := flag.String("backend", "", "Decode backend: gstreamer, opencv, raw (overrides video.backend)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("motion-compare %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath, *envPath, *videoPath, *backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}
	if cfg.Video.Path == "" {
		fmt.Fprintf(os.Stderr, "Error: no video given (--video or video.path)\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  motion-compare --video hive.mp4\n")
		fmt.Fprintf(os.Stderr, "  motion-compare --config config/motion.yaml --debug\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	setupLogger(cfg.Log, *debug)

	slog.Info("starting motion-compare",
		"version", version,
		"config", *configPath,
		"video", cfg.Video.Path,
		"backend", cfg.Video.Backend,
		"debug", *debug,
	)

	src, err := newSource(cfg)
	if err != nil {
		slog.Error("failed to create decode backend", "backend", cfg.Video.Backend, "error", err)
		os.Exit(1)
	}

	var opts []motion.Option
	if *configPath != "" {
		opts = append(opts, motion.WithConfigPath(*configPath))
	}
	pipeline, err := motion.New(cfg, src, opts...)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or the end of the run
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("pipeline error", "error", runErr)
		} else {
			slog.Info("video compared to the end")
		}
	}

	// Graceful shutdown
	shutdownTimeout := pipeline.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	stats := pipeline.Snapshot()
	slog.Info("motion-compare finished",
		"compared", stats.Loop.Compared,
		"skipped", stats.Loop.Skipped,
		"errors", stats.Loop.Errors,
		"mean_changed", stats.Activity.Mean,
		"max_changed", stats.Activity.Max,
		"max_frame", stats.Activity.MaxFrame,
		"compare_mean", stats.Comparisons.Mean,
		"compare_p95", stats.Comparisons.P95,
	)
	if runErr != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional file, the environment and the
// command line, in that order.
func loadConfig(path, envPath, video, backend string) (*config.Config, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyFlags(cfg, video, backend)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the non-empty command line values.
func applyFlags(cfg *config.Config, video, backend string) {
	if video != "" {
		cfg.Video.Path = video
	}
	if backend != "" {
		cfg.Video.Backend = strings.ToLower(backend)
	}
}

func setupLogger(cfg config.LogConfig, debug bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
