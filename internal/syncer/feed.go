package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/cache"
	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/registry"
)

const cursorKey = "feed:cursor"

// SyncJobs enqueues sync work produced from the change feed.
type SyncJobs interface {
	EnqueueSync(ctx context.Context, payloads ...queue.SyncPackagePayload) error
}

// FeedRunner bridges the registry change feed into the sync queue,
// persisting the sequence cursor after every enqueued change so a restart
// resumes at (or just before) where it left off. Duplicate delivery after a
// restart is absorbed by the sync job's idempotent keying.
type FeedRunner struct {
	feed   *registry.ChangeFeed
	jobs   SyncJobs
	cache  cache.Cache
	logger *zap.Logger
}

// NewFeedRunner creates a FeedRunner. The cursor lives in the cache under a
// well-known key.
func NewFeedRunner(feed *registry.ChangeFeed, jobs SyncJobs, c cache.Cache, logger *zap.Logger) *FeedRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedRunner{feed: feed, jobs: jobs, cache: c, logger: logger}
}

// Cursor returns the persisted resume point, zero when none exists.
func (r *FeedRunner) Cursor(ctx context.Context) int64 {
	data, ok, err := r.cache.Get(ctx, cursorKey)
	if err != nil || !ok {
		return 0
	}
	seq, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Run consumes the change feed until ctx is cancelled or the feed fails
// fatally. A fatal feed error is returned to the caller for process restart;
// this package does not supervise itself.
func (r *FeedRunner) Run(ctx context.Context) error {
	since := r.Cursor(ctx)
	r.logger.Info("change feed starting", zap.Int64("since", since))

	changes, errc := r.feed.Stream(ctx, since)

	for change := range changes {
		err := r.jobs.EnqueueSync(ctx, queue.SyncPackagePayload{
			Name:    change.Name,
			Seq:     change.Seq,
			Deleted: change.Deleted,
		})
		if err != nil {
			// The queue is the durability boundary: losing an enqueue is
			// losing an event, so this is fatal like the feed itself.
			return fmt.Errorf("enqueueing change for %s: %w", change.Name, err)
		}

		if err := r.cache.Set(ctx, cursorKey, []byte(strconv.FormatInt(change.Seq, 10)), 0); err != nil {
			r.logger.Warn("persisting feed cursor failed",
				zap.Int64("seq", change.Seq), zap.Error(err))
		}
	}

	if err := <-errc; err != nil {
		return err
	}
	return ctx.Err()
}

// RunForever restarts the feed loop after fatal errors with a fixed pause,
// for deployments without an external supervisor. It returns only when ctx
// is cancelled.
func (r *FeedRunner) RunForever(ctx context.Context, pause time.Duration) {
	for {
		err := r.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("change feed terminated, restarting", zap.Error(err), zap.Duration("pause", pause))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}
