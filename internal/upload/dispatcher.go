package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/obs"
	"github.com/fsupload/engine/internal/task"
)

// Dispatcher is the main loop (spec.md §4.6): wakeup-driven, selects a
// batch of ready tasks, hands it to the Batch Runner, spawns the Large
// Upload Worker on demand.
type Dispatcher struct {
	store   *task.Store
	gate    *gate.Gate
	runner  *BatchRunner
	worker  *LargeUploadWorker
	wake    *Waker
	batchSz int
	logger  *slog.Logger
	metrics *obs.Metrics
}

// SetMetrics attaches the Prometheus collector the dispatcher refreshes
// with queue depth on every loop iteration. Optional.
func (d *Dispatcher) SetMetrics(m *obs.Metrics) { d.metrics = m }

// NewDispatcher constructs the dispatcher. The Waker passed here must be
// the same one BatchRunner was built with, so a batch that unblocks
// dependents wakes this very loop.
func NewDispatcher(store *task.Store, g *gate.Gate, runner *BatchRunner, worker *LargeUploadWorker, wake *Waker, batchSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:   store,
		gate:    g,
		runner:  runner,
		worker:  worker,
		wake:    wake,
		batchSz: batchSize,
		logger:  logger,
	}
}

// Run executes the dispatcher loop (spec.md §4.6 pseudocode) until ctx is
// canceled. It also spawns the Large Upload Worker at startup if there is
// already pending-large work waiting from a previous process lifetime
// (spec.md §8 scenario 5, "resume after crash").
func (d *Dispatcher) Run(ctx context.Context) error {
	d.ensureLargeWorker(ctx)

	for {
		select {
		case <-ctx.Done():
			d.wake.Close()
			return ctx.Err()
		default:
		}

		if err := d.gate.Wait(ctx); err != nil {
			return fmt.Errorf("upload: dispatcher: gate wait: %w", err)
		}

		tasks, err := d.store.NextReadyBatch(ctx, d.batchSz)
		if err != nil {
			return fmt.Errorf("upload: dispatcher: next ready batch: %w", err)
		}

		d.refreshQueueDepth(ctx)

		if len(tasks) > 0 {
			if err := d.runner.Run(ctx, tasks); err != nil {
				return fmt.Errorf("upload: dispatcher: batch run: %w", err)
			}
		}

		if !d.wake.Wait() {
			return ctx.Err()
		}
	}
}

// refreshQueueDepth updates the queue-depth gauge from the current status
// counts. Best-effort: a count error just skips this tick's refresh rather
// than interrupting dispatch.
func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}

	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return
	}

	d.metrics.QueueDepth.WithLabelValues("ready").Set(float64(counts[task.StatusReady]))
	d.metrics.QueueDepth.WithLabelValues("pending_large").Set(float64(counts[task.StatusPendingLarge]))
}

// ensureLargeWorker spawns the Large Upload Worker if it is not already
// running and there is pending-large work. Called on startup and whenever
// a task transitions to pending-large (spec.md §4.4 step 7, §4.5 "worker
// exit condition").
func (d *Dispatcher) ensureLargeWorker(ctx context.Context) {
	_, err := d.store.NextPendingLarge(ctx)
	if err != nil {
		return // no pending-large work, nothing to spawn
	}

	if d.worker.Spawn(ctx) {
		d.logger.Info("spawned large upload worker")
	}
}

// OnPendingLarge is passed to NewBatchRunner as its onPendingLarge
// callback: ensure the worker picks up the newly deferred task.
func (d *Dispatcher) OnPendingLarge(taskID int64) {
	d.logger.Info("task deferred to large upload path", slog.Int64("task_id", taskID))
	d.ensureLargeWorker(context.Background())
}
