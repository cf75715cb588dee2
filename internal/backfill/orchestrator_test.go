package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pkgwatch/npmsync/internal/store"
	"github.com/pkgwatch/npmsync/registry"
)

// memState is an in-memory StateStore with real compare-and-swap semantics.
type memState struct {
	mu    sync.Mutex
	state store.BackfillState
	names []string
}

func newMemState() *memState {
	return &memState{state: store.BackfillState{ID: 1, Status: StatusIdle, Version: 1}}
}

func (m *memState) LoadBackfillState(ctx context.Context) (store.BackfillState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memState) CompareAndSwapBackfillState(ctx context.Context, next store.BackfillState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.Version != m.state.Version {
		return store.ErrStateConflict
	}
	next.Version++
	m.state = next
	return nil
}

func (m *memState) AppendBackfillPackages(ctx context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, names...)
	return nil
}

func (m *memState) ClearBackfillPackages(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = nil
	return nil
}

func (m *memState) BackfillPackageRange(ctx context.Context, offset, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.names) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.names) {
		end = len(m.names)
	}
	return m.names[offset:end], nil
}

// memJobs records queue activity.
type memJobs struct {
	mu      sync.Mutex
	synced  []string
	ticks   int
	pending bool
	syncErr error
}

func (j *memJobs) EnqueueSyncNames(ctx context.Context, names []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.syncErr != nil {
		return j.syncErr
	}
	j.synced = append(j.synced, names...)
	return nil
}

func (j *memJobs) EnqueueTick(ctx context.Context, delay time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ticks++
	j.pending = true
	return nil
}

func (j *memJobs) TickPending() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending, nil
}

func (j *memJobs) ClearTicks() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = false
	return nil
}

func (j *memJobs) syncedNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.synced...)
}

func (j *memJobs) tickCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ticks
}

func seedRunning(t *testing.T, state *memState, names []string, offset int) {
	t.Helper()
	s, _ := state.LoadBackfillState(context.Background())
	s.Status = StatusRunning
	s.Total = len(names)
	s.Offset = offset
	s.StartedAt = time.Now().Add(-time.Minute)
	if err := state.CompareAndSwapBackfillState(context.Background(), s); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
	if err := state.AppendBackfillPackages(context.Background(), names); err != nil {
		t.Fatalf("seeding packages: %v", err)
	}
}

func newTestOrchestrator(state *memState, jobs *memJobs, opts ...Option) *Orchestrator {
	return New(state, jobs, nil, nil, opts...)
}

func TestStartWhileRunning(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	o := newTestOrchestrator(state, jobs)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("expected one tick enqueued, got %d", jobs.tickCount())
	}
}

func TestStartRequiresResetAfterCompletion(t *testing.T) {
	state := newMemState()
	state.state.Status = StatusCompleted
	o := newTestOrchestrator(state, &memJobs{})

	if err := o.Start(context.Background()); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition from completed, got %v", err)
	}
	if err := o.Reset(context.Background()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start after reset failed: %v", err)
	}
}

func TestPauseResumePreservesProgress(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	seedRunning(t, state, []string{"a", "b", "c", "d"}, 2)
	o := newTestOrchestrator(state, jobs)

	if err := o.Pause(context.Background()); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	s, _ := state.LoadBackfillState(context.Background())
	if s.Status != StatusPaused || s.Offset != 2 || s.Total != 4 {
		t.Fatalf("pause corrupted state: %+v", s)
	}

	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	s, _ = state.LoadBackfillState(context.Background())
	if s.Status != StatusRunning || s.Offset != 2 {
		t.Fatalf("resume corrupted state: %+v", s)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("resume should schedule a tick, got %d", jobs.tickCount())
	}
}

func TestPauseWhenNotRunning(t *testing.T) {
	o := newTestOrchestrator(newMemState(), &memJobs{})
	if err := o.Pause(context.Background()); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestResetClearsEverything(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{pending: true}
	seedRunning(t, state, []string{"a", "b"}, 1)
	o := newTestOrchestrator(state, jobs)

	if err := o.Reset(context.Background()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	s, _ := state.LoadBackfillState(context.Background())
	if s.Status != StatusIdle || s.Total != 0 || s.Offset != 0 || s.ErrorMessage != "" {
		t.Errorf("reset left state dirty: %+v", s)
	}
	if pending, _ := jobs.TickPending(); pending {
		t.Error("reset should clear pending ticks")
	}
	if len(state.names) != 0 {
		t.Error("reset should drop the stored package universe")
	}
}

func TestTickAdvancesAndCompletes(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	seedRunning(t, state, []string{"a", "b", "c"}, 0)
	o := newTestOrchestrator(state, jobs, WithBatchSize(2))

	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	s, _ := state.LoadBackfillState(context.Background())
	if s.Offset != 2 || s.Status != StatusRunning {
		t.Fatalf("after first tick: %+v", s)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("first tick should schedule the next, got %d", jobs.tickCount())
	}

	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	s, _ = state.LoadBackfillState(context.Background())
	if s.Status != StatusCompleted || s.Offset != 3 {
		t.Fatalf("expected completion at offset 3: %+v", s)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("completion must not schedule further ticks, got %d", jobs.tickCount())
	}

	names := jobs.syncedNames()
	if len(names) != 3 {
		t.Errorf("expected 3 names enqueued, got %v", names)
	}
}

func TestTickIgnoredWhenPaused(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	seedRunning(t, state, []string{"a"}, 0)
	o := newTestOrchestrator(state, jobs)

	if err := o.Pause(context.Background()); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("tick errored: %v", err)
	}
	if len(jobs.syncedNames()) != 0 {
		t.Error("paused tick must not enqueue work")
	}
}

func TestRecoverReschedulesOrphanedRun(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	seedRunning(t, state, []string{"a", "b"}, 1)
	o := newTestOrchestrator(state, jobs)

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("recover should reschedule a tick, got %d", jobs.tickCount())
	}

	// Second recover sees a pending tick and stays quiet.
	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("recover must not double-schedule, got %d", jobs.tickCount())
	}
}

func TestRecoverIdleIsNoOp(t *testing.T) {
	jobs := &memJobs{}
	o := newTestOrchestrator(newMemState(), jobs)
	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if jobs.tickCount() != 0 {
		t.Error("idle recover must not schedule ticks")
	}
}

func TestTickEnqueueFailureRecordsError(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{syncErr: errors.New("redis down")}
	seedRunning(t, state, []string{"a", "b"}, 0)
	o := newTestOrchestrator(state, jobs)

	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("tick must swallow failures, got %v", err)
	}
	s, _ := state.LoadBackfillState(context.Background())
	if s.Status != StatusRunning {
		t.Fatalf("batch enqueue failure should keep the run alive for the next tick: %+v", s)
	}
	if jobs.tickCount() != 1 {
		t.Errorf("failed tick should schedule a retry tick, got %d", jobs.tickCount())
	}
}

func TestStatusComputesETA(t *testing.T) {
	state := newMemState()
	seedRunning(t, state, []string{"a", "b", "c", "d"}, 2)
	s, _ := state.LoadBackfillState(context.Background())
	s.Rate = 2
	if err := state.CompareAndSwapBackfillState(context.Background(), s); err != nil {
		t.Fatalf("seeding rate: %v", err)
	}

	o := newTestOrchestrator(state, &memJobs{})
	p, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if p.ETA != time.Second {
		t.Errorf("expected 1s ETA for 2 remaining at 2/sec, got %s", p.ETA)
	}
}

func TestListingTickStreamsBatches(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}
	o := newTestOrchestrator(state, jobs)
	o.lister = listerServing(t)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("listing tick failed: %v", err)
	}

	s, _ := state.LoadBackfillState(context.Background())
	if s.Status != StatusCompleted || s.Total != 3 || s.Offset != 3 {
		t.Fatalf("listing did not complete cleanly: %+v", s)
	}
	if got := jobs.syncedNames(); len(got) != 3 {
		t.Errorf("expected every listed name enqueued, got %v", got)
	}
	if len(state.names) != 3 {
		t.Errorf("expected the package universe persisted, got %v", state.names)
	}
}

func TestTickResumesInterruptedListing(t *testing.T) {
	state := newMemState()
	jobs := &memJobs{}

	// A crash mid-listing leaves the upstream estimate in Total and only a
	// prefix of the registry in the stored universe.
	s, _ := state.LoadBackfillState(context.Background())
	s.Status = StatusRunning
	s.Total = 5
	s.Offset = 2
	s.StartedAt = time.Now().Add(-time.Minute)
	if err := state.CompareAndSwapBackfillState(context.Background(), s); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
	if err := state.AppendBackfillPackages(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("seeding packages: %v", err)
	}

	o := newTestOrchestrator(state, jobs)
	o.lister = resumeListerServing(t)

	if err := o.HandleTick(context.Background(), nil); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := state.LoadBackfillState(context.Background())
	if got.Status != StatusCompleted || got.Offset != 4 || got.Total != 4 {
		t.Fatalf("resumed listing did not finish the registry: %+v", got)
	}
	if names := jobs.syncedNames(); !reflect.DeepEqual(names, []string{"c", "d"}) {
		t.Errorf("expected the unlisted remainder enqueued, got %v", names)
	}
	if !reflect.DeepEqual(state.names, []string{"a", "b", "c", "d"}) {
		t.Errorf("expected the universe extended, got %v", state.names)
	}
}

// resumeListerServing builds a Lister over an httptest server that only
// answers keyset pages at and after the name b, for resumed listings.
func resumeListerServing(t *testing.T) *registry.Lister {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []map[string]string
		switch r.URL.Query().Get("startkey") {
		case `"b"`:
			rows = []map[string]string{{"id": "b"}, {"id": "c"}}
		case `"c"`:
			rows = []map[string]string{{"id": "c"}, {"id": "d"}}
		case `"d"`:
			rows = nil
		default:
			t.Errorf("unexpected startkey %q", r.URL.Query().Get("startkey"))
		}
		json.NewEncoder(w).Encode(map[string]any{"total_rows": 5, "rows": rows})
	}))
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithBaseURL(server.URL))
	return registry.NewLister(client, registry.WithPageSize(2))
}

// listerServing builds a Lister over an httptest server mimicking the
// registry's keyset pagination for the names a, b, c.
func listerServing(t *testing.T) *registry.Lister {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []map[string]string
		switch r.URL.Query().Get("startkey") {
		case "":
			rows = []map[string]string{{"id": "a"}, {"id": "b"}}
		case `"b"`:
			// Keyset pages repeat the boundary row.
			rows = []map[string]string{{"id": "b"}, {"id": "c"}}
		case `"c"`:
			rows = nil
		default:
			t.Errorf("unexpected startkey %q", r.URL.Query().Get("startkey"))
		}
		json.NewEncoder(w).Encode(map[string]any{"total_rows": 3, "rows": rows})
	}))
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithBaseURL(server.URL))
	return registry.NewLister(client, registry.WithPageSize(2))
}
