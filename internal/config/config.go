package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "NPMSYNC"

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	RegistryURL  string
	DatabasePath string
	LogLevel     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TypesenseURL    string
	TypesenseAPIKey string

	FeedLimit           int
	FeedInterval        time.Duration
	FeedMaxRetries      int
	FeedBackoffInitial  time.Duration
	FeedBackoffMax      time.Duration
	FeedRestartPause    time.Duration
	ListingPageSize     int
	BackfillBatchSize   int
	BackfillTickEvery   time.Duration
	SyncConcurrency     int
	DeliveryConcurrency int
	ChatRatePerSecond   float64
	EmailRatePerSecond  float64

	ResolverConcurrency int
	ResolverMaxPackages int
	ResolverTimeout     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance. The feed and resolver knobs default to the values the public
// registry tolerates well; none of them are load-bearing for correctness.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("registry.url", "https://registry.npmjs.org")
	v.SetDefault("database.path", "npmsync.db")
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("typesense.url", "http://127.0.0.1:8108")
	v.SetDefault("typesense.api_key", "")

	v.SetDefault("feed.limit", 200)
	v.SetDefault("feed.interval", "10s")
	v.SetDefault("feed.max_retries", 10)
	v.SetDefault("feed.backoff_initial", "1s")
	v.SetDefault("feed.backoff_max", "30s")
	v.SetDefault("feed.restart_pause", "1m")

	v.SetDefault("listing.page_size", 10000)
	v.SetDefault("backfill.batch_size", 500)
	v.SetDefault("backfill.tick_interval", "5s")

	v.SetDefault("workers.sync_concurrency", 10)
	v.SetDefault("workers.delivery_concurrency", 4)
	v.SetDefault("delivery.chat_rate", 5.0)
	v.SetDefault("delivery.email_rate", 2.0)

	v.SetDefault("resolver.concurrency", 20)
	v.SetDefault("resolver.max_packages", 500)
	v.SetDefault("resolver.timeout", "15s")
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RegistryURL:  v.GetString("registry.url"),
		DatabasePath: v.GetString("database.path"),
		LogLevel:     v.GetString("log.level"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		TypesenseURL:    v.GetString("typesense.url"),
		TypesenseAPIKey: v.GetString("typesense.api_key"),

		FeedLimit:          v.GetInt("feed.limit"),
		FeedInterval:       v.GetDuration("feed.interval"),
		FeedMaxRetries:     v.GetInt("feed.max_retries"),
		FeedBackoffInitial: v.GetDuration("feed.backoff_initial"),
		FeedBackoffMax:     v.GetDuration("feed.backoff_max"),
		FeedRestartPause:   v.GetDuration("feed.restart_pause"),

		ListingPageSize:   v.GetInt("listing.page_size"),
		BackfillBatchSize: v.GetInt("backfill.batch_size"),
		BackfillTickEvery: v.GetDuration("backfill.tick_interval"),

		SyncConcurrency:     v.GetInt("workers.sync_concurrency"),
		DeliveryConcurrency: v.GetInt("workers.delivery_concurrency"),
		ChatRatePerSecond:   v.GetFloat64("delivery.chat_rate"),
		EmailRatePerSecond:  v.GetFloat64("delivery.email_rate"),

		ResolverConcurrency: v.GetInt("resolver.concurrency"),
		ResolverMaxPackages: v.GetInt("resolver.max_packages"),
		ResolverTimeout:     v.GetDuration("resolver.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RegistryURL) == "" {
		return fmt.Errorf("registry.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.FeedMaxRetries < 1 {
		return fmt.Errorf("feed.max_retries must be at least 1")
	}
	if c.BackfillBatchSize < 1 {
		return fmt.Errorf("backfill.batch_size must be at least 1")
	}
	return nil
}
