package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pkgwatch/npmsync/internal/cache"
	"github.com/pkgwatch/npmsync/internal/notify"
	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/internal/search"
	"github.com/pkgwatch/npmsync/registry"
)

// memCache is an in-memory cache.Cache for tests.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Close() error { return nil }

// memFetcher serves packuments from memory.
type memFetcher struct {
	packs map[string]*registry.Packument
}

func (f *memFetcher) FetchPackument(ctx context.Context, name string) (*registry.Packument, error) {
	p, ok := f.packs[name]
	if !ok {
		return nil, &registry.NotFoundError{Name: name}
	}
	return p, nil
}

func (f *memFetcher) FetchVersion(ctx context.Context, name, version string) (*registry.Packument, registry.VersionInfo, error) {
	p, err := f.FetchPackument(ctx, name)
	if err != nil {
		return nil, registry.VersionInfo{}, err
	}
	v, ok := p.Versions[version]
	if !ok {
		return nil, registry.VersionInfo{}, &registry.NotFoundError{Name: name, Version: version}
	}
	return p, v, nil
}

// memDispatcher records dispatched version changes.
type memDispatcher struct {
	calls []string
}

func (d *memDispatcher) Dispatch(ctx context.Context, packageName string, enr notify.Enrichment, previousVersion, newVersion string) notify.Result {
	d.calls = append(d.calls, packageName+" "+previousVersion+" -> "+newVersion)
	return notify.Result{Notified: 1}
}

func syncTask(t *testing.T, pl queue.SyncPackagePayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(pl)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return asynq.NewTask(queue.TypeSyncPackage, raw)
}

func packument(name, latest string, deps map[string]string) *registry.Packument {
	return &registry.Packument{
		Name:        name,
		Description: "a package",
		DistTags:    map[string]string{"latest": latest},
		Versions: map[string]registry.VersionInfo{
			latest: {
				Name:         name,
				Version:      latest,
				Dependencies: deps,
				Dist:         registry.DistInfo{UnpackedSize: 1234},
			},
		},
		Time: map[string]string{"modified": "2026-01-15T12:00:00.000Z"},
	}
}

func TestHandleSyncIndexesNewPackage(t *testing.T) {
	index := search.NewMemory()
	dispatcher := &memDispatcher{}
	c := NewConsumer(
		&memFetcher{packs: map[string]*registry.Packument{
			"left-pad": packument("left-pad", "1.3.0", map[string]string{"wcwidth": "^1.0.0"}),
		}},
		index, newMemCache(), dispatcher, nil)

	if err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{Name: "left-pad"})); err != nil {
		t.Fatalf("HandleSync failed: %v", err)
	}

	doc, err := index.Get(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("document not indexed: %v", err)
	}
	if doc.LatestVersion != "1.3.0" || doc.UnpackedSize != 1234 || doc.DependencyCount != 1 {
		t.Errorf("unexpected document: %+v", doc)
	}
	if len(dispatcher.calls) != 0 {
		t.Errorf("first index of a package must not dispatch: %v", dispatcher.calls)
	}
}

func TestHandleSyncDispatchesVersionChange(t *testing.T) {
	index := search.NewMemory()
	index.Upsert(context.Background(), search.Document{ID: "left-pad", Name: "left-pad", LatestVersion: "1.3.0"})

	dispatcher := &memDispatcher{}
	c := NewConsumer(
		&memFetcher{packs: map[string]*registry.Packument{
			"left-pad": packument("left-pad", "2.0.0", nil),
		}},
		index, newMemCache(), dispatcher, nil)

	if err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{Name: "left-pad"})); err != nil {
		t.Fatalf("HandleSync failed: %v", err)
	}

	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "left-pad 1.3.0 -> 2.0.0" {
		t.Errorf("expected one version-change dispatch, got %v", dispatcher.calls)
	}
}

func TestHandleSyncReplayIsNoOp(t *testing.T) {
	index := search.NewMemory()
	index.Upsert(context.Background(), search.Document{ID: "lodash", Name: "lodash", LatestVersion: "4.17.20"})

	dispatcher := &memDispatcher{}
	c := NewConsumer(
		&memFetcher{packs: map[string]*registry.Packument{
			"lodash": packument("lodash", "4.17.21", nil),
		}},
		index, newMemCache(), dispatcher, nil)

	task := syncTask(t, queue.SyncPackagePayload{Name: "lodash"})
	if err := c.HandleSync(context.Background(), task); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := c.HandleSync(context.Background(), task); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if len(dispatcher.calls) != 1 {
		t.Errorf("replaying an unchanged package must not re-dispatch, got %v", dispatcher.calls)
	}
}

// eventCache and eventDispatcher record the relative order of hash writes
// and dispatches into a shared log.
type eventCache struct {
	*memCache
	events *[]string
}

func (c *eventCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	*c.events = append(*c.events, "hash "+key)
	return c.memCache.Set(ctx, key, data, ttl)
}

type eventDispatcher struct {
	events *[]string
}

func (d *eventDispatcher) Dispatch(ctx context.Context, packageName string, enr notify.Enrichment, previousVersion, newVersion string) notify.Result {
	*d.events = append(*d.events, "dispatch "+packageName)
	return notify.Result{Notified: 1}
}

func TestHandleSyncCachesHashOnlyAfterDispatch(t *testing.T) {
	index := search.NewMemory()
	index.Upsert(context.Background(), search.Document{ID: "left-pad", Name: "left-pad", LatestVersion: "1.3.0"})

	var events []string
	c := NewConsumer(
		&memFetcher{packs: map[string]*registry.Packument{
			"left-pad": packument("left-pad", "2.0.0", nil),
		}},
		index,
		&eventCache{memCache: newMemCache(), events: &events},
		&eventDispatcher{events: &events},
		nil)

	if err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{Name: "left-pad"})); err != nil {
		t.Fatalf("HandleSync failed: %v", err)
	}

	// A redelivery after a crash between upsert and dispatch must still see
	// a hash miss, so the hash is written last.
	want := []string{"dispatch left-pad", "hash doc:left-pad"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("expected %v, got %v", want, events)
	}
}

func TestHandleSyncRemovesUnpublished(t *testing.T) {
	index := search.NewMemory()
	index.Upsert(context.Background(), search.Document{ID: "ghost", Name: "ghost", LatestVersion: "1.0.0"})

	c := NewConsumer(&memFetcher{packs: map[string]*registry.Packument{}}, index, newMemCache(), &memDispatcher{}, nil)

	if err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{Name: "ghost"})); err != nil {
		t.Fatalf("HandleSync must not retry unpublished packages: %v", err)
	}
	if _, err := index.Get(context.Background(), "ghost"); !errors.Is(err, search.ErrNotIndexed) {
		t.Error("unpublished package should be removed from the index")
	}
}

func TestHandleSyncDeletedFlag(t *testing.T) {
	index := search.NewMemory()
	index.Upsert(context.Background(), search.Document{ID: "gone", Name: "gone"})

	c := NewConsumer(&memFetcher{packs: map[string]*registry.Packument{
		"gone": packument("gone", "1.0.0", nil),
	}}, index, newMemCache(), &memDispatcher{}, nil)

	if err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{Name: "gone", Deleted: true})); err != nil {
		t.Fatalf("HandleSync failed: %v", err)
	}
	if index.Len() != 0 {
		t.Error("deleted change should remove the document without fetching")
	}
}

func TestHandleSyncRejectsEmptyName(t *testing.T) {
	c := NewConsumer(&memFetcher{}, search.NewMemory(), nil, &memDispatcher{}, nil)
	err := c.HandleSync(context.Background(), syncTask(t, queue.SyncPackagePayload{}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("empty name must skip retry, got %v", err)
	}
}

func TestBuildDocument(t *testing.T) {
	p := packument("@babel/core", "7.24.0", map[string]string{"semver": "^6.3.1", "json5": "^2.2.3"})
	doc := BuildDocument(p)

	if doc.ID != "@babel/core" || doc.Scope != "babel" {
		t.Errorf("unexpected identity: %+v", doc)
	}
	if doc.LatestVersion != "7.24.0" || doc.DependencyCount != 2 || doc.VersionCount != 1 {
		t.Errorf("unexpected counts: %+v", doc)
	}
	if doc.ModifiedAt == 0 {
		t.Error("expected modified timestamp")
	}
}

var _ cache.Cache = (*memCache)(nil)
