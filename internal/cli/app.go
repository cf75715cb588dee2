package cli

import (
	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/config"
	"github.com/pkgwatch/npmsync/internal/logging"
	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/internal/store"
	"github.com/pkgwatch/npmsync/registry"
)

// app bundles the collaborators most commands need.
type app struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	redisOpt asynq.RedisClientOpt
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		redisOpt: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	}, nil
}

func (a *app) openStore() (*store.Store, error) {
	return store.Open(a.cfg.DatabasePath, a.logger)
}

func (a *app) newProducer() *queue.Producer {
	return queue.NewProducer(a.redisOpt, a.logger)
}

func (a *app) newRegistryClient() *registry.Client {
	return registry.NewClient(registry.WithBaseURL(a.cfg.RegistryURL))
}

func (a *app) newLister(client *registry.Client) *registry.Lister {
	return registry.NewLister(client, registry.WithPageSize(a.cfg.ListingPageSize))
}

func (a *app) newChangeFeed(client *registry.Client) *registry.ChangeFeed {
	return registry.NewChangeFeed(client,
		registry.WithFeedLimit(a.cfg.FeedLimit),
		registry.WithFeedInterval(a.cfg.FeedInterval),
		registry.WithFeedMaxRetries(a.cfg.FeedMaxRetries),
		registry.WithFeedBackoff(a.cfg.FeedBackoffInitial, a.cfg.FeedBackoffMax),
	)
}
