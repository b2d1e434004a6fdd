package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

const testModeEnv = "COLDSTORE_TEST_MODE" // matches guard.TestModeEnv

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether binaries should skip connecting to PostgreSQL
// and Redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// RunFunc is the body of a binary. It returns when ctx is cancelled or the
// process cannot continue.
type RunFunc func(ctx context.Context, cfg *Config, logger *slog.Logger) error

// Main loads configuration, builds the service logger and runs fn until
// SIGINT or SIGTERM. It returns the process exit code.
func Main(service string, fn RunFunc) int {
	if InTestMode() {
		slog.Default().Info("test mode detected, skipping startup", slog.String("service", service))
		return 0
	}

	cfg, err := LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.String("service", service), slog.Any("error", err))
		return 1
	}
	logger := NewLogger(cfg, service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return exitCode(logger, fn(ctx, cfg, logger))
}

func exitCode(logger *slog.Logger, err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("stopped")
		return 0
	}
	logger.Error("fatal", slog.Any("error", err))
	return 1
}
