package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/registry"
)

type memSyncJobs struct {
	mu       sync.Mutex
	payloads []queue.SyncPackagePayload
	done     func()
}

func (j *memSyncJobs) EnqueueSync(ctx context.Context, payloads ...queue.SyncPackagePayload) error {
	j.mu.Lock()
	j.payloads = append(j.payloads, payloads...)
	n := len(j.payloads)
	j.mu.Unlock()
	if n >= 2 && j.done != nil {
		j.done()
	}
	return nil
}

func (j *memSyncJobs) all() []queue.SyncPackagePayload {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]queue.SyncPackagePayload(nil), j.payloads...)
}

func TestFeedRunnerEnqueuesAndPersistsCursor(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"last_seq": 42,
				"results": []map[string]any{
					{"seq": 41, "id": "left-pad"},
					{"seq": 42, "id": "lodash", "deleted": true},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"last_seq": 42, "results": []map[string]any{}})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newMemCache()
	jobs := &memSyncJobs{done: cancel}
	feed := registry.NewChangeFeed(
		registry.NewClient(registry.WithBaseURL(server.URL)),
		registry.WithFeedInterval(time.Millisecond),
	)
	runner := NewFeedRunner(feed, jobs, c, nil)

	err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run failed: %v", err)
	}

	got := jobs.all()
	if len(got) < 2 {
		t.Fatalf("expected 2 enqueued changes, got %v", got)
	}
	if got[0].Name != "left-pad" || got[0].Seq != 41 {
		t.Errorf("unexpected first payload: %+v", got[0])
	}
	if got[1].Name != "lodash" || !got[1].Deleted {
		t.Errorf("deleted flag should propagate: %+v", got[1])
	}

	if seq := runner.Cursor(context.Background()); seq != 42 {
		t.Errorf("expected cursor 42 persisted, got %d", seq)
	}
}

func TestCursorDefaultsToZero(t *testing.T) {
	runner := NewFeedRunner(nil, nil, newMemCache(), nil)
	if seq := runner.Cursor(context.Background()); seq != 0 {
		t.Errorf("missing cursor should read as 0, got %d", seq)
	}
}

func TestCursorIgnoresGarbage(t *testing.T) {
	c := newMemCache()
	c.Set(context.Background(), "feed:cursor", []byte("not-a-number"), 0)

	runner := NewFeedRunner(nil, nil, c, nil)
	if seq := runner.Cursor(context.Background()); seq != 0 {
		t.Errorf("garbage cursor should read as 0, got %d", seq)
	}
}
