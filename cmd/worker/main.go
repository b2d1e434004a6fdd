package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coldstore/ledger/internal/app"
	jobmetrics "github.com/coldstore/ledger/internal/jobs"
	"github.com/coldstore/ledger/internal/ledger"
	"github.com/coldstore/ledger/internal/platform/cache"
	"github.com/coldstore/ledger/internal/platform/db"
	"github.com/coldstore/ledger/internal/shared"
	"github.com/coldstore/ledger/jobs"
)

func main() {
	os.Exit(app.Main("coldstore-worker", run))
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.DBOptions("coldstore-worker"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	// The rebuild lock lives in Redis, so the worker cannot run without it.
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobMetrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)

	engine := ledger.NewEngine(ledger.StrategyFullRewalk, logger, nil)
	ledgerService := ledger.NewService(ledger.NewRepository(pool), engine, logger,
		ledger.WithCache(ledger.NewCache(redisClient, cfg.LedgerSummaryCacheTTL)),
		ledger.WithAudit(shared.NewAuditLogger(pool)),
	)

	rebuildJob := jobs.NewRebuildSnapshotsJob(ledgerService, redislock.New(redisClient), logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, jobMetrics)

	rebuildTask, err := jobs.NewRebuildSnapshotsTask(jobs.RebuildSnapshotsPayload{})
	if err != nil {
		return fmt.Errorf("build rebuild task: %w", err)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		return fmt.Errorf("build cleanup task: %w", err)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedisOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerRebuildSnapshots, Handler: rebuildJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LedgerRebuildCron, Task: rebuildTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	return worker.Run(ctx)
}
