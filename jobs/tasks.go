package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
)

// Queue names. Snapshot rebuilds run on their own queue so housekeeping never
// delays them.
const (
	QueueLedger  = "ledger"
	QueueDefault = "default"
)

// EnqueueRebuildSnapshots schedules a snapshot rebuild for one cold storage,
// or all of them when the payload names none.
func (c *Client) EnqueueRebuildSnapshots(ctx context.Context, payload RebuildSnapshotsPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs: client not configured")
	}
	task, err := NewRebuildSnapshotsTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueLedger), asynq.Unique(rebuildLockTTL))
}
