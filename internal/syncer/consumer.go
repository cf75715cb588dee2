// Package syncer consumes per-package sync jobs: fetch the packument, build
// the search document, upsert it, and hand version changes to the
// notification dispatcher.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/cache"
	"github.com/pkgwatch/npmsync/internal/notify"
	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/internal/search"
	"github.com/pkgwatch/npmsync/registry"
)

// docHashTTL bounds how long a content hash suppresses no-op upserts.
const docHashTTL = 24 * time.Hour

// Dispatcher receives version-change events.
type Dispatcher interface {
	Dispatch(ctx context.Context, packageName string, enr notify.Enrichment, previousVersion, newVersion string) notify.Result
}

// Consumer handles sync:package jobs.
type Consumer struct {
	fetch      registry.Fetcher
	index      search.Index
	cache      cache.Cache
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewConsumer creates a sync job consumer.
func NewConsumer(fetch registry.Fetcher, index search.Index, c cache.Cache, dispatcher Dispatcher, logger *zap.Logger) *Consumer {
	if c == nil {
		c = cache.NewNull()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		fetch:      fetch,
		index:      index,
		cache:      c,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleSync processes one sync:package job. Handlers are safe to re-run:
// the upsert is idempotent by package name, re-running an unchanged package
// is detected by content hash and skipped, and version-change dispatch only
// fires when the indexed version actually moved. Deleted and missing
// packages are removed from the index without retrying.
func (c *Consumer) HandleSync(ctx context.Context, task *asynq.Task) error {
	pl, err := queue.Unmarshal[queue.SyncPackagePayload](task)
	if err != nil {
		return err
	}
	if pl.Name == "" {
		return fmt.Errorf("sync job without package name: %w", asynq.SkipRetry)
	}

	if pl.Deleted {
		return c.remove(ctx, pl.Name)
	}

	p, err := c.fetch.FetchPackument(ctx, pl.Name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Unpublished package: permanent condition, delete instead of
			// retrying.
			return c.remove(ctx, pl.Name)
		}
		return fmt.Errorf("fetching packument for %s: %w", pl.Name, err)
	}

	doc := BuildDocument(p)

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document for %s: %v: %w", pl.Name, err, asynq.SkipRetry)
	}
	hash := cache.Hash(raw)

	hashKey := "doc:" + pl.Name
	if prevHash, ok, err := c.cache.Get(ctx, hashKey); err == nil && ok && string(prevHash) == hash {
		c.logger.Debug("package unchanged, skipping upsert", zap.String("package", pl.Name))
		return nil
	}

	var previousVersion string
	if prev, err := c.index.Get(ctx, pl.Name); err == nil {
		previousVersion = prev.LatestVersion
	} else if !errors.Is(err, search.ErrNotIndexed) {
		c.logger.Warn("reading previous index document failed",
			zap.String("package", pl.Name), zap.Error(err))
	}

	if err := c.index.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("upserting %s: %w", pl.Name, err)
	}

	if previousVersion != "" && doc.LatestVersion != "" && previousVersion != doc.LatestVersion {
		enr := Classify(previousVersion, doc.LatestVersion, p)
		c.dispatcher.Dispatch(ctx, pl.Name, enr, previousVersion, doc.LatestVersion)
	}

	// Cached only after dispatch so a crash in between redelivers the job
	// instead of the hash match swallowing the notification.
	if err := c.cache.Set(ctx, hashKey, []byte(hash), docHashTTL); err != nil {
		c.logger.Debug("caching document hash failed",
			zap.String("package", pl.Name), zap.Error(err))
	}

	return nil
}

func (c *Consumer) remove(ctx context.Context, name string) error {
	if err := c.index.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting %s from index: %w", name, err)
	}
	if err := c.cache.Delete(ctx, "doc:"+name); err != nil {
		c.logger.Debug("clearing document hash failed",
			zap.String("package", name), zap.Error(err))
	}
	c.logger.Info("package removed from index", zap.String("package", name))
	return nil
}

// BuildDocument projects a packument into its search document.
func BuildDocument(p *registry.Packument) search.Document {
	doc := search.Document{
		ID:            p.Name,
		Name:          p.Name,
		Scope:         p.Scope(),
		Description:   p.Description,
		Keywords:      p.KeywordList(),
		LatestVersion: p.LatestVersion(),
		License:       p.LicenseString(),
		Homepage:      p.HomepageURL(),
		Repository:    p.RepositoryURL(),
		VersionCount:  int32(len(p.Versions)),
	}

	if v, ok := p.Latest(); ok {
		if doc.Description == "" {
			doc.Description = v.Description
		}
		doc.UnpackedSize = v.Dist.UnpackedSize
		doc.DependencyCount = int32(len(v.Dependencies))
		doc.Deprecated = v.Deprecated != ""
	}
	if t := p.ModifiedAt(); !t.IsZero() {
		doc.ModifiedAt = t.Unix()
	}
	return doc
}
