package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Producer enqueues pipeline jobs with idempotent task IDs.
type Producer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *zap.Logger
}

// NewProducer creates a Producer on the given Redis connection options.
func NewProducer(redisOpt asynq.RedisClientOpt, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    logger,
	}
}

// Close releases the underlying connections.
func (p *Producer) Close() error {
	if err := p.client.Close(); err != nil {
		return err
	}
	return p.inspector.Close()
}

// EnqueueSync enqueues one idempotent sync job per package name. A package
// already waiting in the queue is not enqueued again; at most one additional
// full refresh happens per pending key.
func (p *Producer) EnqueueSync(ctx context.Context, payloads ...SyncPackagePayload) error {
	for _, pl := range payloads {
		task := asynq.NewTask(TypeSyncPackage, marshal(pl))
		_, err := p.client.EnqueueContext(ctx, task,
			asynq.Queue(QueueSync),
			asynq.TaskID(fmt.Sprintf("sync:%s", pl.Name)),
			asynq.MaxRetry(5),
			asynq.Timeout(2*time.Minute),
		)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			return fmt.Errorf("enqueueing sync for %s: %w", pl.Name, err)
		}
	}
	return nil
}

// EnqueueSyncNames enqueues sync jobs for a batch of bare package names.
func (p *Producer) EnqueueSyncNames(ctx context.Context, names []string) error {
	payloads := make([]SyncPackagePayload, len(names))
	for i, n := range names {
		payloads[i] = SyncPackagePayload{Name: n}
	}
	return p.EnqueueSync(ctx, payloads...)
}

// EnqueueTick schedules one backfill tick after delay. Only one tick can be
// pending at a time; a conflicting enqueue is a no-op.
func (p *Producer) EnqueueTick(ctx context.Context, delay time.Duration) error {
	task := asynq.NewTask(TypeBackfillTick, marshal(BackfillTickPayload{}))
	opts := []asynq.Option{
		asynq.Queue(QueueBackfill),
		asynq.TaskID("backfill:tick"),
		asynq.MaxRetry(0),
		asynq.Timeout(5 * time.Minute),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := p.client.EnqueueContext(ctx, task, opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueueing backfill tick: %w", err)
	}
	return nil
}

// TickPending reports whether a backfill tick is waiting or running.
func (p *Producer) TickPending() (bool, error) {
	info, err := p.inspector.GetQueueInfo(QueueBackfill)
	if err != nil {
		return false, err
	}
	return info.Pending+info.Scheduled+info.Active+info.Retry > 0, nil
}

// ClearTicks deletes every queued backfill tick. Used by reset.
func (p *Producer) ClearTicks() error {
	if _, err := p.inspector.DeleteAllPendingTasks(QueueBackfill); err != nil {
		return err
	}
	if _, err := p.inspector.DeleteAllScheduledTasks(QueueBackfill); err != nil {
		return err
	}
	if _, err := p.inspector.DeleteAllRetryTasks(QueueBackfill); err != nil {
		return err
	}
	return nil
}

// EnqueueChatDelivery enqueues a chat webhook job keyed by
// (user, package, version) so a re-dispatch cannot double-send.
func (p *Producer) EnqueueChatDelivery(ctx context.Context, pl ChatDeliveryPayload) error {
	task := asynq.NewTask(TypeChatDelivery, marshal(pl))
	_, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDelivery),
		asynq.TaskID(fmt.Sprintf("chat:%s:%s:%s", pl.UserID, pl.PackageName, pl.NewVersion)),
		asynq.MaxRetry(8),
		asynq.Timeout(30*time.Second),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueueing chat delivery: %w", err)
	}
	return nil
}

// EnqueueEmailDelivery enqueues an immediate-critical email job with the same
// idempotent keying as chat delivery.
func (p *Producer) EnqueueEmailDelivery(ctx context.Context, pl EmailDeliveryPayload) error {
	task := asynq.NewTask(TypeEmailDelivery, marshal(pl))
	_, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDelivery),
		asynq.TaskID(fmt.Sprintf("email:%s:%s:%s", pl.UserID, pl.PackageName, pl.NewVersion)),
		asynq.MaxRetry(8),
		asynq.Timeout(30*time.Second),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueueing email delivery: %w", err)
	}
	return nil
}

// RetryDelay is the exponential backoff schedule shared by the worker
// servers: 10s, 20s, 40s, ... capped at 10 minutes.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := 10 * time.Second << uint(n)
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}
