// Package backfill drives the cold-start full-registry sync as a resumable
// state machine. Progress lives in a single persisted state row guarded by an
// optimistic concurrency token; work happens in bounded ticks consumed from a
// concurrency-1 queue so only one tick is ever in flight.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/store"
	"github.com/pkgwatch/npmsync/registry"
)

// Status values for the backfill state machine.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
)

var (
	// ErrAlreadyRunning is returned by Start while a backfill is in progress.
	ErrAlreadyRunning = errors.New("backfill already running")

	// ErrBadTransition is returned for a state change the machine forbids.
	ErrBadTransition = errors.New("invalid backfill state transition")
)

// validTransition encodes the strict state machine: no transition skips a
// state, and completed/error return to running only through an idle reset.
func validTransition(from, to string) bool {
	switch from {
	case StatusIdle:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusError
	case StatusPaused:
		return to == StatusRunning || to == StatusError
	case StatusCompleted, StatusError:
		return to == StatusIdle
	}
	return false
}

// StateStore persists the backfill state row and the listed package
// universe.
type StateStore interface {
	LoadBackfillState(ctx context.Context) (store.BackfillState, error)
	CompareAndSwapBackfillState(ctx context.Context, next store.BackfillState) error
	AppendBackfillPackages(ctx context.Context, names []string) error
	ClearBackfillPackages(ctx context.Context) error
	BackfillPackageRange(ctx context.Context, offset, limit int) ([]string, error)
}

// Jobs is the queue surface the orchestrator drives.
type Jobs interface {
	EnqueueSyncNames(ctx context.Context, names []string) error
	EnqueueTick(ctx context.Context, delay time.Duration) error
	TickPending() (bool, error)
	ClearTicks() error
}

// Orchestrator owns all mutations of the backfill state.
type Orchestrator struct {
	state        StateStore
	jobs         Jobs
	lister       *registry.Lister
	batchSize    int
	tickInterval time.Duration
	logger       *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize sets how many package names one tick enqueues.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		o.batchSize = n
	}
}

// WithTickInterval sets the delay between ticks.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.tickInterval = d
	}
}

// New creates an Orchestrator.
func New(state StateStore, jobs Jobs, lister *registry.Lister, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		state:        state,
		jobs:         jobs,
		lister:       lister,
		batchSize:    500,
		tickInterval: 5 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a backfill. It fails synchronously with ErrAlreadyRunning when
// one is in progress; completed or errored runs must be Reset first.
func (o *Orchestrator) Start(ctx context.Context) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return err
	}
	if state.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	if !validTransition(state.Status, StatusRunning) {
		return fmt.Errorf("%w: %s -> running (reset first)", ErrBadTransition, state.Status)
	}

	if err := o.state.ClearBackfillPackages(ctx); err != nil {
		return err
	}

	state.Status = StatusRunning
	state.Total = 0
	state.Offset = 0
	state.Rate = 0
	state.ErrorMessage = ""
	state.StartedAt = time.Now()
	if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
		return err
	}

	o.logger.Info("backfill started")
	return o.jobs.EnqueueTick(ctx, 0)
}

// Pause suspends a running backfill; queued sync jobs keep draining but no
// further batches are enqueued.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.transition(ctx, StatusRunning, StatusPaused)
}

// Resume continues a paused backfill from the stored offset.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if err := o.transition(ctx, StatusPaused, StatusRunning); err != nil {
		return err
	}
	return o.jobs.EnqueueTick(ctx, 0)
}

// Reset returns the machine to idle with cleared counters, drops the stored
// package universe, and deletes any pending ticks. This is the only way out
// of completed and error.
func (o *Orchestrator) Reset(ctx context.Context) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return err
	}

	state.Status = StatusIdle
	state.Total = 0
	state.Offset = 0
	state.Rate = 0
	state.ErrorMessage = ""
	state.StartedAt = time.Time{}
	if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
		return err
	}

	if err := o.jobs.ClearTicks(); err != nil {
		o.logger.Warn("clearing pending ticks failed", zap.Error(err))
	}
	if err := o.state.ClearBackfillPackages(ctx); err != nil {
		return err
	}
	o.logger.Info("backfill reset")
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, from, to string) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return err
	}
	if state.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, state.Status, to)
	}
	state.Status = to
	if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
		return err
	}
	o.logger.Info("backfill state changed", zap.String("from", from), zap.String("to", to))
	return nil
}

// Recover reschedules a tick after a worker restart when the state says
// running but nothing is queued. This makes the backfill resume without
// operator intervention.
func (o *Orchestrator) Recover(ctx context.Context) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return err
	}
	if state.Status != StatusRunning {
		return nil
	}
	pending, err := o.jobs.TickPending()
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	o.logger.Info("recovering interrupted backfill",
		zap.Int("offset", state.Offset),
		zap.Int("total", state.Total))
	return o.jobs.EnqueueTick(ctx, 0)
}

// Progress is the status-reporting view of the backfill.
type Progress struct {
	Status       string
	Total        int
	Offset       int
	Rate         float64
	ETA          time.Duration
	StartedAt    time.Time
	ErrorMessage string
}

// Status returns the current progress with a rate-derived ETA.
func (o *Orchestrator) Status(ctx context.Context) (Progress, error) {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		Status:       state.Status,
		Total:        state.Total,
		Offset:       state.Offset,
		Rate:         state.Rate,
		StartedAt:    state.StartedAt,
		ErrorMessage: state.ErrorMessage,
	}
	if state.Rate > 0 && state.Total > state.Offset {
		p.ETA = time.Duration(float64(state.Total-state.Offset)/state.Rate) * time.Second
	}
	return p, nil
}

// HandleTick consumes one backfill:tick job. A tick failure never corrupts
// state and never fails the job: the error is logged and the next tick is
// scheduled regardless, so the orchestrator self-heals.
func (o *Orchestrator) HandleTick(ctx context.Context, _ *asynq.Task) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		o.logger.Error("tick could not load state", zap.Error(err))
		o.scheduleNext(ctx)
		return nil
	}
	if state.Status != StatusRunning {
		return nil
	}

	if state.Total == 0 {
		err = o.runListing(ctx, state, "")
	} else {
		err = o.advance(ctx, state)
	}
	if err != nil {
		o.logger.Error("backfill tick failed", zap.Error(err))
		o.scheduleNext(ctx)
	}
	return nil
}

func (o *Orchestrator) scheduleNext(ctx context.Context) {
	if err := o.jobs.EnqueueTick(ctx, o.tickInterval); err != nil {
		o.logger.Error("scheduling next tick failed", zap.Error(err))
	}
}

// runListing performs the full registry listing, streaming every batch to the
// sync queue and the stored universe as it arrives rather than waiting for
// the listing to finish. The run completes within this single tick. A
// non-empty resume key continues a listing a crash interrupted, keeping the
// offset accumulated so far.
func (o *Orchestrator) runListing(ctx context.Context, state store.BackfillState, resumeKey string) error {
	next := o.lister.BatchesFrom(ctx, resumeKey)

	for {
		batch, done, err := next()
		if err != nil {
			// Listing failures have no partial-result fallback: record the
			// error state and stop; the operator resets and retries.
			return o.fail(ctx, fmt.Errorf("listing registry: %w", err))
		}

		if len(batch.Names) > 0 {
			if err := o.jobs.EnqueueSyncNames(ctx, batch.Names); err != nil {
				return o.fail(ctx, fmt.Errorf("enqueueing listing batch: %w", err))
			}
			if err := o.state.AppendBackfillPackages(ctx, batch.Names); err != nil {
				return o.fail(ctx, fmt.Errorf("storing listing batch: %w", err))
			}
		}

		state.Offset += len(batch.Names)
		state.Total = batch.Total
		if state.Total < state.Offset {
			state.Total = state.Offset
		}
		elapsed := time.Since(state.StartedAt).Seconds()
		if elapsed > 0 {
			state.Rate = float64(state.Offset) / elapsed
		}

		if done {
			state.Total = state.Offset
			state.Status = StatusCompleted
		}
		if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
			return err
		}
		state.Version++

		o.logProgress(state)
		if done {
			o.logger.Info("backfill completed", zap.Int("packages", state.Total))
			return nil
		}
	}
}

// advance enqueues the next bounded batch from the stored package universe.
func (o *Orchestrator) advance(ctx context.Context, state store.BackfillState) error {
	names, err := o.state.BackfillPackageRange(ctx, state.Offset, o.batchSize)
	if err != nil {
		return err
	}

	if len(names) == 0 && state.Offset < state.Total {
		// The stored universe ended short of the upstream estimate: a crash
		// interrupted the listing tick. Resume listing after the last stored
		// name instead of declaring a truncated run complete.
		resumeKey := ""
		if state.Offset > 0 {
			tail, err := o.state.BackfillPackageRange(ctx, state.Offset-1, 1)
			if err != nil {
				return err
			}
			if len(tail) > 0 {
				resumeKey = tail[0]
			}
		}
		o.logger.Info("resuming interrupted listing",
			zap.Int("offset", state.Offset),
			zap.Int("total", state.Total),
			zap.String("after", resumeKey))
		return o.runListing(ctx, state, resumeKey)
	}

	if len(names) > 0 {
		if err := o.jobs.EnqueueSyncNames(ctx, names); err != nil {
			return err
		}
		state.Offset += len(names)
	}

	elapsed := time.Since(state.StartedAt).Seconds()
	if elapsed > 0 {
		state.Rate = float64(state.Offset) / elapsed
	}

	if state.Offset >= state.Total || len(names) == 0 {
		if state.Offset > state.Total {
			state.Total = state.Offset
		}
		state.Status = StatusCompleted
	}

	if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
		return err
	}
	o.logProgress(state)

	if state.Status == StatusCompleted {
		o.logger.Info("backfill completed", zap.Int("packages", state.Total))
		return nil
	}
	o.scheduleNext(ctx)
	return nil
}

// fail records the error state; returns the original error for logging.
func (o *Orchestrator) fail(ctx context.Context, cause error) error {
	state, err := o.state.LoadBackfillState(ctx)
	if err != nil {
		return cause
	}
	if !validTransition(state.Status, StatusError) {
		return cause
	}
	state.Status = StatusError
	state.ErrorMessage = cause.Error()
	if err := o.state.CompareAndSwapBackfillState(ctx, state); err != nil {
		o.logger.Error("recording backfill error failed", zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) logProgress(state store.BackfillState) {
	var eta time.Duration
	if state.Rate > 0 && state.Total > state.Offset {
		eta = time.Duration(float64(state.Total-state.Offset)/state.Rate) * time.Second
	}
	o.logger.Info("backfill progress",
		zap.String("status", state.Status),
		zap.Int("offset", state.Offset),
		zap.Int("total", state.Total),
		zap.Float64("rate", state.Rate),
		zap.Duration("eta", eta))
}
