package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nevindra/edgelink/internal/config"
	"github.com/nevindra/edgelink/internal/daemon"
	"github.com/nevindra/edgelink/observer"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("EDGELINK_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		return 1
	}

	// 2. Logger
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Observer (only when an OTLP endpoint is configured)
	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Warn("⚠️ observer init failed, continuing without", "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(sctx)
			}()
		}
	}

	// 4. Run
	d := daemon.New(cfg,
		daemon.WithLogger(logger),
		daemon.WithInstruments(inst),
	)
	if err := d.Run(ctx); err != nil {
		logger.Error("❌ daemon failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}
