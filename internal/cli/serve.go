package cli

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/backfill"
	"github.com/pkgwatch/npmsync/internal/cache"
	"github.com/pkgwatch/npmsync/internal/notify"
	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/internal/search"
	"github.com/pkgwatch/npmsync/internal/syncer"
	"github.com/pkgwatch/npmsync/registry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync workers, change feed listener, and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	logger := a.logger
	defer logger.Sync() //nolint:errcheck

	db, err := a.openStore()
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	kv := cache.NewRedis(redisClient, "")
	defer kv.Close() //nolint:errcheck

	var index search.Index
	if a.cfg.TypesenseAPIKey != "" {
		ts, err := search.NewTypesense(ctx, a.cfg.TypesenseURL, a.cfg.TypesenseAPIKey)
		if err != nil {
			return err
		}
		index = ts
	} else {
		logger.Warn("no typesense api key configured, using in-memory index")
		index = search.NewMemory()
	}

	client := a.newRegistryClient()
	fetcher := registry.NewBreakerClient(client)
	producer := a.newProducer()
	defer producer.Close() //nolint:errcheck

	dispatcher := notify.NewDispatcher(db, producer, logger)
	consumer := syncer.NewConsumer(fetcher, index, kv, dispatcher, logger)
	delivery := notify.NewDelivery(
		&notify.LogEmailSender{Logger: logger},
		db,
		logger,
		notify.WithChatRate(a.cfg.ChatRatePerSecond, 10),
		notify.WithEmailRate(a.cfg.EmailRatePerSecond, 4),
	)

	orchestrator := backfill.New(db, producer, a.newLister(client), logger,
		backfill.WithBatchSize(a.cfg.BackfillBatchSize),
		backfill.WithTickInterval(a.cfg.BackfillTickEvery),
	)
	if err := orchestrator.Recover(ctx); err != nil {
		logger.Warn("backfill recovery check failed", zap.Error(err))
	}

	feed := syncer.NewFeedRunner(a.newChangeFeed(client), producer, kv, logger)
	go feed.RunForever(ctx, a.cfg.FeedRestartPause)

	// Sync and delivery share one worker pool; backfill ticks get their own
	// single-worker server so only one tick is ever in flight.
	mainSrv := asynq.NewServer(a.redisOpt, asynq.Config{
		Concurrency: a.cfg.SyncConcurrency + a.cfg.DeliveryConcurrency,
		Queues: map[string]int{
			queue.QueueSync:     6,
			queue.QueueDelivery: 3,
		},
		RetryDelayFunc: queue.RetryDelay,
	})
	mainMux := asynq.NewServeMux()
	mainMux.HandleFunc(queue.TypeSyncPackage, consumer.HandleSync)
	mainMux.HandleFunc(queue.TypeChatDelivery, delivery.HandleChat)
	mainMux.HandleFunc(queue.TypeEmailDelivery, delivery.HandleEmail)

	tickSrv := asynq.NewServer(a.redisOpt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			queue.QueueBackfill: 1,
		},
	})
	tickMux := asynq.NewServeMux()
	tickMux.HandleFunc(queue.TypeBackfillTick, orchestrator.HandleTick)

	errCh := make(chan error, 2)
	go func() {
		errCh <- mainSrv.Run(mainMux)
	}()
	go func() {
		errCh <- tickSrv.Run(tickMux)
	}()

	logger.Info("npmsync workers started",
		zap.String("registry", a.cfg.RegistryURL),
		zap.Int("sync_concurrency", a.cfg.SyncConcurrency))

	select {
	case <-ctx.Done():
		mainSrv.Shutdown()
		tickSrv.Shutdown()
		return nil
	case err := <-errCh:
		mainSrv.Shutdown()
		tickSrv.Shutdown()
		return err
	}
}
