package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/obs"
	"github.com/fsupload/engine/internal/remote"
	"github.com/fsupload/engine/internal/task"
)

// pendingSlot tracks one task's place in a batch as it moves through the
// two-cursor send/receive pipeline (spec.md §4.4).
type pendingSlot struct {
	task     task.Task
	resp     *remote.Response
	deferred bool
}

// BatchRunner is the Pipelined Batch Runner (spec.md §4.4): it issues
// requests for a batch of ready tasks on one pooled connection, overlaps
// sends with non-blocking reads, then processes every task that received a
// response. Each completed task is committed in its own transaction
// (Store.Complete); the batch as a whole is not committed atomically.
type BatchRunner struct {
	pool                remote.Pool
	handlers             *Handlers
	store                *task.Store
	gate                 *gate.Gate
	logger               *slog.Logger
	sleepOnFailedUpload  time.Duration
	onPendingLarge       func(taskID int64)
	wake                 *Waker
	metrics              *obs.Metrics
}

// SetMetrics attaches the Prometheus collectors the runner updates as tasks
// complete. Optional; a runner with no metrics set just skips the counter
// increments.
func (r *BatchRunner) SetMetrics(m *obs.Metrics) { r.metrics = m }

// NewBatchRunner constructs a runner. onPendingLarge is called for every
// task that transitions to status=pending-large, so the caller can ensure
// the Large Upload Worker is running (spec.md §4.4 step 7).
func NewBatchRunner(
	pool remote.Pool, handlers *Handlers, store *task.Store, g *gate.Gate,
	sleepOnFailedUpload time.Duration, onPendingLarge func(taskID int64), wake *Waker, logger *slog.Logger,
) *BatchRunner {
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchRunner{
		pool:                pool,
		handlers:            handlers,
		store:               store,
		gate:                g,
		logger:              logger,
		sleepOnFailedUpload: sleepOnFailedUpload,
		onPendingLarge:      onPendingLarge,
		wake:                wake,
	}
}

// Run processes one batch of ready tasks end to end (spec.md §4.4
// algorithm). It never returns an error for per-task failures — those are
// handled per spec (soft-fail, fixup, defer). It returns an error only when
// ctx ends while waiting on the Status Gate or sleeping in a backoff; a
// failure to acquire a connection is handled by backing off, waking the
// dispatcher, and returning nil.
func (r *BatchRunner) Run(ctx context.Context, tasks []task.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	batchID := uuid.New().String()
	log := r.logger.With(slog.String("batch_id", batchID), slog.Int("batch_size", len(tasks)))

	if err := r.gate.Wait(ctx); err != nil {
		return fmt.Errorf("upload: batch %s: gate wait: %w", batchID, err)
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		log.Warn("failed to acquire connection, backing off", slog.String("error", err.Error()))

		if sleepErr := ctxSleep(ctx, r.sleepOnFailedUpload); sleepErr != nil {
			return sleepErr
		}

		r.wake.Wake()

		return nil
	}

	slots := make([]*pendingSlot, len(tasks))
	for i, t := range tasks {
		slots[i] = &pendingSlot{task: t}
	}

	healthy := true
	connectionLost := false

	sendCursor, recvCursor := 0, 0

	// dropped marks slots that were never sent (no handler, or the handler
	// dropped the task locally), so no response will arrive for them.
	dropped := make([]bool, len(slots))

	for sendCursor < len(slots) && !connectionLost {
		slot := slots[sendCursor]

		handler := r.handlers.For(slot.task.Type)
		if handler == nil {
			log.Warn("no handler for task type, deleting", slog.Int64("task_id", slot.task.ID), slog.Int("type", int(slot.task.Type)))

			if err := r.store.DeleteTask(ctx, slot.task.ID); err != nil {
				log.Error("failed to delete malformed task", slog.String("error", err.Error()))
			}

			dropped[sendCursor] = true
			sendCursor++

			continue
		}

		result, sendErr := handler.Send(ctx, conn, slot.task)

		switch result {
		case SendOK:
			sendCursor++
		case SendDefer:
			slot.deferred = true
			sendCursor++
		case SendLocalFatal:
			log.Info("task dropped locally", slog.Int64("task_id", slot.task.ID), slog.String("error", errString(sendErr)))
			dropped[sendCursor] = true
			sendCursor++
		case SendConnectionLost:
			log.Warn("connection lost mid-batch", slog.Int64("task_id", slot.task.ID), slog.String("error", errString(sendErr)))
			healthy = false
			connectionLost = true
		default:
			sendCursor++
		}

		if connectionLost {
			break
		}

		// Non-blocking poll for an already-arrived response (spec.md
		// §4.4 step 3b), advancing recvCursor past any deferred/dropped
		// slots that will never get a response.
		for recvCursor < sendCursor {
			if slots[recvCursor].deferred || dropped[recvCursor] {
				recvCursor++
				continue
			}

			resp, ready, pollErr := conn.TryRecv(ctx)
			if pollErr != nil {
				healthy = false
				connectionLost = true

				break
			}

			if !ready {
				break
			}

			slots[recvCursor].resp = resp
			recvCursor++
		}
	}

	// Drain the remaining responses synchronously for every sent task,
	// skipping deferred/dropped slots, which get no response (spec.md §4.4
	// step 4).
	if !connectionLost {
		for recvCursor < sendCursor {
			if slots[recvCursor].deferred || dropped[recvCursor] {
				recvCursor++
				continue
			}

			resp, recvErr := conn.Recv(ctx)
			if recvErr != nil {
				healthy = false
				connectionLost = true

				break
			}

			slots[recvCursor].resp = resp
			recvCursor++
		}
	}

	r.pool.Release(conn, healthy)

	if err := r.commit(ctx, slots, log); err != nil {
		return err
	}

	// Re-invoke deferred CreateFile sends with conn=nil to transition them
	// to pending-large (spec.md §4.4 step 7).
	for _, slot := range slots {
		if !slot.deferred {
			continue
		}

		handler := r.handlers.For(slot.task.Type)
		if handler == nil {
			continue
		}

		result, err := handler.Send(ctx, nil, slot.task)
		if err != nil && result != SendPendingLarge {
			log.Warn("deferred re-send failed", slog.Int64("task_id", slot.task.ID), slog.String("error", err.Error()))
			continue
		}

		if result == SendPendingLarge {
			if err := r.store.MarkPendingLarge(ctx, slot.task.ID); err != nil {
				log.Error("failed to mark task pending-large", slog.Int64("task_id", slot.task.ID), slog.String("error", err.Error()))
				continue
			}

			if r.onPendingLarge != nil {
				r.onPendingLarge(slot.task.ID)
			}
		}
	}

	if connectionLost {
		if sleepErr := ctxSleep(ctx, r.sleepOnFailedUpload); sleepErr != nil {
			return sleepErr
		}

		r.wake.Wake()
	}

	return nil
}

// commit walks the batch under one pass, invoking process() for every
// task that received a response and persisting the outcome; each
// successful task is completed in its own Store.Complete transaction. Partial
// progress survives a mid-batch connection loss: tasks that never got a
// response simply remain ready for the next iteration (spec.md §7,
// "Partial-failure rule").
func (r *BatchRunner) commit(ctx context.Context, slots []*pendingSlot, log *slog.Logger) error {
	dependentsUnblocked := false

	for _, slot := range slots {
		if slot.resp == nil {
			continue
		}

		handler := r.handlers.For(slot.task.Type)
		if handler == nil {
			continue
		}

		outcome, err := handler.Process(ctx, slot.task, slot.resp)
		if err != nil {
			log.Error("process failed", slog.Int64("task_id", slot.task.ID), slog.String("error", err.Error()))
			continue
		}

		switch outcome.Result {
		case ProcessOK:
			result, err := r.store.Complete(ctx, slot.task, outcome.AssignedRemoteID, outcome.CreatedEntity)
			if err != nil {
				log.Error("complete failed", slog.Int64("task_id", slot.task.ID), slog.String("error", err.Error()))
				continue
			}

			if result.DependentsUnblocked {
				dependentsUnblocked = true
			}

			if r.metrics != nil {
				r.metrics.TasksCompleted.WithLabelValues(slot.task.Type.String()).Inc()
			}
		case ProcessSoftFail:
			// task stays ready, nothing to do
		case ProcessHardFail:
			// handler already mutated/deleted the task row
		}
	}

	if dependentsUnblocked {
		r.wake.Wake()
	}

	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

var errNoHandler = errors.New("upload: no handler registered for task type")
