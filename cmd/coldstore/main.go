package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/coldstore/ledger/internal/app"
	"github.com/coldstore/ledger/internal/ledger"
	"github.com/coldstore/ledger/internal/observability"
	"github.com/coldstore/ledger/internal/platform/cache"
	"github.com/coldstore/ledger/internal/platform/db"
	"github.com/coldstore/ledger/internal/shared"
	"github.com/coldstore/ledger/jobs"
)

func main() {
	os.Exit(app.Main("coldstore", run))
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.DBOptions("coldstore"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		// Reports fall back to uncached loads.
		logger.Warn("redis unavailable, ledger cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	engine := ledger.NewEngine(ledger.ParseStrategy(cfg.LedgerRecomputeStrategy), logger, metrics)
	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), engine, logger,
		ledger.WithCache(ledger.NewCache(redisClient, cfg.LedgerSummaryCacheTTL)),
		ledger.WithAudit(shared.NewAuditLogger(dbpool)),
		ledger.WithIdempotency(shared.NewIdempotencyStore(dbpool)),
	)

	redisOpts := cfg.AsynqRedisOpt()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	ready := []app.ReadyCheck{{Name: "postgres", Check: dbpool.Ping}}
	if redisClient != nil {
		ready = append(ready, app.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	server := &http.Server{
		Addr: cfg.AppAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:        logger,
			Config:        cfg,
			LedgerHandler: ledger.NewHandler(logger, ledgerService),
			JobHandler:    jobs.NewHandler(inspector, jobClient, logger),
			Metrics:       metrics,
			Ready:         ready,
		}),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("recompute_strategy", string(engine.Strategy())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
