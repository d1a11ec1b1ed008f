// Command vesper runs the memory service as an MCP subprocess speaking the
// protocol over stdin/stdout. Logs go to stderr; stdout belongs to MCP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vesper-ai/vesper"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK        = 0
	exitFatal     = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	app, err := vesper.New(
		vesper.WithVersion(version),
		vesper.WithLogger(logger),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", "signal", sig.String())
		if sig == syscall.SIGINT {
			interrupted.Store(true)
		}
		cancel()
	}()

	runErr := app.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	switch {
	case interrupted.Load():
		return exitInterrupt
	case runErr == nil, errors.Is(runErr, context.Canceled):
		return exitOK
	default:
		logger.Error("fatal error", "error", runErr)
		return exitFatal
	}
}
