package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/coldstore/ledger/internal/jobs"
	"github.com/coldstore/ledger/internal/shared"
)

const (
	// TaskLedgerRebuildSnapshots re-walks ledgers and repairs drifted snapshots.
	TaskLedgerRebuildSnapshots = "ledger:rebuild_snapshots"

	rebuildLockTTL = 2 * time.Minute
)

// RebuildSnapshotsPayload selects one cold storage, or every one when empty.
type RebuildSnapshotsPayload struct {
	ColdStorageID string    `json:"cold_storage_id,omitempty"`
	ScheduledFor  time.Time `json:"scheduled_for"`
}

// NewRebuildSnapshotsTask constructs an Asynq task for a snapshot rebuild.
func NewRebuildSnapshotsTask(payload RebuildSnapshotsPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerRebuildSnapshots, body, asynq.Queue(QueueLedger)), nil
}

// SnapshotRebuilder is the ledger surface the job drives.
type SnapshotRebuilder interface {
	RebuildSnapshots(ctx context.Context, coldStorageID uuid.UUID) (int, error)
	ColdStorageIDs(ctx context.Context) ([]uuid.UUID, error)
}

// RebuildSnapshotsJob rebuilds one ledger at a time under a redis lock so
// two workers never walk the same cold storage concurrently.
type RebuildSnapshotsJob struct {
	Ledger  SnapshotRebuilder
	Locker  *redislock.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRebuildSnapshotsJob initialises the rebuild handler.
func NewRebuildSnapshotsJob(ledger SnapshotRebuilder, locker *redislock.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *RebuildSnapshotsJob {
	return &RebuildSnapshotsJob{Ledger: ledger, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handle executes the rebuild.
func (j *RebuildSnapshotsJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("rebuild snapshots: handler not configured")
	}
	var payload RebuildSnapshotsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskLedgerRebuildSnapshots)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	var tenants []uuid.UUID
	if payload.ColdStorageID != "" {
		id, err := uuid.Parse(payload.ColdStorageID)
		if err != nil {
			return asynq.SkipRetry
		}
		tenants = []uuid.UUID{id}
	} else {
		ids, err := j.Ledger.ColdStorageIDs(ctx)
		if err != nil {
			return err
		}
		tenants = ids
	}

	start := time.Now()
	var repaired, failed int
	for _, id := range tenants {
		rows, err := j.rebuildOne(ctx, id)
		if err != nil {
			failed++
			j.logger().Error("rebuild snapshots failed",
				slog.String("cold_storage_id", id.String()),
				slog.Any("error", err))
			continue
		}
		repaired += rows
	}
	j.Metrics.AddRepairedSnapshots(repaired)
	j.logger().Info("rebuild snapshots completed",
		slog.Int("tenants", len(tenants)),
		slog.Int("repaired_rows", repaired),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))
	if failed > 0 {
		return errors.New("rebuild snapshots: one or more ledgers failed")
	}
	return nil
}

func (j *RebuildSnapshotsJob) rebuildOne(ctx context.Context, id uuid.UUID) (int, error) {
	if j.Locker != nil {
		lock, err := j.Locker.Obtain(ctx, shared.LedgerRebuildLockKey(id), rebuildLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			j.Metrics.AddSkipped(TaskLedgerRebuildSnapshots)
			j.logger().Warn("rebuild already running elsewhere", slog.String("cold_storage_id", id.String()))
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			_ = lock.Release(context.WithoutCancel(ctx))
		}()
	}
	rows, err := j.Ledger.RebuildSnapshots(ctx, id)
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		j.logger().Warn("ledger snapshots drifted and were repaired",
			slog.String("cold_storage_id", id.String()),
			slog.Int("rows", rows))
	}
	return rows, nil
}

func (j *RebuildSnapshotsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
