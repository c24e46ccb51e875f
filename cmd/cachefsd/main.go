// Command cachefsd is an HTTP object cache server with pluggable storage
// backends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/cachefs/cachefs/delegate"
	"github.com/cachefs/cachefs/manager"
	"github.com/cachefs/cachefs/server"
	"github.com/cachefs/cachefs/telemetry"
)

var version = "dev"

var cli struct {
	Listen         string        `help:"Address to listen on." default:":8080"`
	Dir            string        `help:"Storage directory for the disk and bolt engines." default:"./cache"`
	Engine         string        `help:"Storage engine." enum:"memory,disk,bolt" default:"disk"`
	Compress       bool          `help:"Compress stored objects with zstd."`
	ReadOnly       bool          `help:"Reject PUT, DELETE, and upload requests."`
	MaxSize        int64         `help:"Maximum total cache size in bytes (0 to disable)." default:"10737418240"`
	MaxCount       int           `help:"Maximum number of cached objects (0 to disable)."`
	MaxConns       int           `help:"Maximum concurrent connections (0 to disable)."`
	VacuumInterval time.Duration `help:"How often the eviction pass runs (0 to disable)." default:"1m"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics."`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metrics export."`

	Version kong.VersionFlag `help:"Show version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("cachefsd"),
		kong.Description("HTTP object cache server with pluggable storage backends."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cli.MetricsPrometheus || cli.MetricsOTLP != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "cachefsd",
			ServiceVersion:   version,
			OTLPEndpoint:     cli.MetricsOTLP,
			EnablePrometheus: cli.MetricsPrometheus,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to flush metrics", "error", err)
			}
		}()
	}

	d, cleanup, err := buildDelegate(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	mgr := manager.New(d,
		manager.WithMaxSize(cli.MaxSize),
		manager.WithMaxCount(cli.MaxCount),
		manager.WithLogger(logger.With("component", "manager")),
	)

	srv, err := server.New(server.Config{
		Address:        cli.Listen,
		Manager:        mgr,
		MaxConns:       cli.MaxConns,
		VacuumInterval: cli.VacuumInterval,
		ReadOnly:       cli.ReadOnly,
		Logger:         logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"engine", cli.Engine,
		"compress", cli.Compress,
		"max_size", cli.MaxSize,
		"max_count", cli.MaxCount,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildDelegate assembles the storage stack: engine, optional compression,
// and metrics instrumentation.
func buildDelegate(logger *slog.Logger) (delegate.Delegate, func(), error) {
	cleanup := func() {}

	var d delegate.Delegate
	switch cli.Engine {
	case "memory":
		d = delegate.NewMemory()
	case "disk":
		fs, err := delegate.NewFilesystem(cli.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("creating disk engine: %w", err)
		}
		d = fs
	case "bolt":
		if err := os.MkdirAll(cli.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating bolt directory: %w", err)
		}
		b, err := delegate.NewBolt(filepath.Join(cli.Dir, "cachefs.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("creating bolt engine: %w", err)
		}
		cleanup = func() {
			if err := b.Close(); err != nil {
				logger.Warn("failed to close bolt database", "error", err)
			}
		}
		d = b
	default:
		return nil, nil, fmt.Errorf("unknown engine: %s", cli.Engine)
	}

	name := cli.Engine
	if cli.Compress {
		d = delegate.NewCompressed(d)
		name += "+zstd"
	}
	return delegate.NewInstrumented(d, name), cleanup, nil
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}
	return slog.New(handler), nil
}
