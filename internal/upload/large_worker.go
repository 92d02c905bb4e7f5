package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/obs"
	"github.com/fsupload/engine/internal/remote"
	"github.com/fsupload/engine/internal/task"
	"github.com/fsupload/engine/pkg/xorhash"
)

// ProgressFunc reports upload progress, matching the teacher's
// graph.ProgressFunc callback shape so the same progress bar wiring
// (schollz/progressbar/v3 in cmd/fsuploadd) works unchanged.
type ProgressFunc func(uploaded, total int64)

// largeWorkerSingleton enforces "at most one Large Upload Worker runs per
// process" (spec.md §3 invariant 5) with a binary semaphore instead of the
// original's racy int flag (spec.md §9 design note: the flag flip must be
// ordered with the transaction that marks a task pending-large). The
// dispatcher calls MarkPendingLarge and then TryAcquire; if that TryAcquire
// fails because an exiting worker still holds the slot, the exiting worker
// looks for pending-large work once more after releasing it (see Spawn).
var largeWorkerSingleton = semaphore.NewWeighted(1)

// LargeUploadWorker drains pending-large tasks serially with resumable,
// checksum-gated chunked upload (spec.md §4.5).
type LargeUploadWorker struct {
	store       *task.Store
	client      remote.UnaryClient
	gate        *gate.Gate
	cacheDir    string
	chunkSize   int64
	sleepOnFail time.Duration
	logger      *slog.Logger
	progress    ProgressFunc
	metrics     *obs.Metrics
}

// SetMetrics attaches the Prometheus collector the worker increments as
// chunks are streamed. Optional; nil just skips the increment.
func (w *LargeUploadWorker) SetMetrics(m *obs.Metrics) { w.metrics = m }

// NewLargeUploadWorker constructs a worker. progress may be nil (daemon
// mode; cmd/fsuploadd only wires a real progressbar.ProgressBar when
// running attached to a TTY).
func NewLargeUploadWorker(
	store *task.Store, client remote.UnaryClient, g *gate.Gate, cacheDir string,
	chunkSize int64, sleepOnFail time.Duration, progress ProgressFunc, logger *slog.Logger,
) *LargeUploadWorker {
	if logger == nil {
		logger = slog.Default()
	}

	return &LargeUploadWorker{
		store:       store,
		client:      client,
		gate:        g,
		cacheDir:    cacheDir,
		chunkSize:   chunkSize,
		sleepOnFail: sleepOnFail,
		logger:      logger,
		progress:    progress,
	}
}

// Spawn tries to acquire the singleton slot and, if successful, runs Drain
// in the background until the queue is empty, then releases the slot
// (spec.md §4.5, "worker exit condition"). Returns false if another worker
// is already running — the caller need not treat that as an error; the
// running worker will pick up the new task.
func (w *LargeUploadWorker) Spawn(ctx context.Context) bool {
	if !largeWorkerSingleton.TryAcquire(1) {
		return false
	}

	go func() {
		for {
			if err := w.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("large upload worker exited with error", slog.String("error", err.Error()))
			}

			largeWorkerSingleton.Release(1)

			// A task marked pending-large after Drain's last lookup found
			// the slot still held; look again so it is not left waiting.
			if ctx.Err() != nil {
				return
			}

			if _, err := w.store.NextPendingLarge(ctx); err != nil || !largeWorkerSingleton.TryAcquire(1) {
				return
			}
		}
	}()

	return true
}

// Drain processes pending-large tasks until none remain.
func (w *LargeUploadWorker) Drain(ctx context.Context) error {
	for {
		t, err := w.store.NextPendingLarge(ctx)
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("upload: large worker: next pending large: %w", err)
		}

		if err := w.processOne(ctx, *t); err != nil {
			w.logger.Warn("large upload attempt failed, will retry", slog.Int64("task_id", t.ID), slog.String("error", err.Error()))

			if sleepErr := ctxSleep(ctx, w.sleepOnFail); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (w *LargeUploadWorker) processOne(ctx context.Context, t task.Task) error {
	if err := w.gate.Wait(ctx); err != nil {
		return fmt.Errorf("gate wait: %w", err)
	}

	path := cacheFilePath(w.cacheDir, t.ID)

	uploadID, usize, resuming, err := w.resolveResumePoint(ctx, t, path)
	if err != nil {
		return err
	}

	if !resuming {
		localHash, fsize, err := xorhash.HashFile(path)
		if err != nil {
			return fmt.Errorf("hash local file: %w", err)
		}

		handle, err := w.client.UploadCreate(ctx, fsize)
		if err != nil {
			return fmt.Errorf("upload_create: %w", err)
		}

		if err := w.store.RecordUploadID(ctx, t.ID, handle.UploadID); err != nil {
			return fmt.Errorf("record upload id: %w", err)
		}

		uploadID = handle.UploadID
		usize = 0

		w.logger.Info("started fresh large upload", slog.Int64("task_id", t.ID), slog.Int64("upload_id", uploadID), slog.String("hash", localHash))
	}

	if err := w.streamChunks(ctx, t, path, uploadID, usize); err != nil {
		return err
	}

	return w.finalize(ctx, t, path, uploadID)
}

// resolveResumePoint implements spec.md §4.5 steps 2-4: ask the remote
// about the latest recorded upload handle, compare its checksum against
// the local prefix hash, and decide whether to resume or start over.
func (w *LargeUploadWorker) resolveResumePoint(ctx context.Context, t task.Task, path string) (uploadID, usize int64, resuming bool, err error) {
	latest, err := w.store.LatestUploadID(ctx, t.ID)
	if errors.Is(err, task.ErrNotFound) {
		return 0, 0, false, nil
	}

	if err != nil {
		return 0, 0, false, fmt.Errorf("latest upload id: %w", err)
	}

	info, err := w.client.UploadInfo(ctx, latest)
	if err != nil {
		if errors.Is(err, remote.ErrTransientNet) {
			return 0, 0, false, fmt.Errorf("upload_info transient: %w", err)
		}
		// missing or erroring handle: treat as no resume (spec.md §4.5 step 2)
		return 0, 0, false, nil
	}

	_, fsize, err := xorhash.HashFile(path)
	if err != nil {
		return 0, 0, false, fmt.Errorf("stat local file: %w", err)
	}

	if info.Size > fsize {
		w.logger.Warn("remote upload handle larger than local file, starting fresh", slog.Int64("task_id", t.ID))
		return 0, 0, false, nil
	}

	prefixHash, _, err := xorhash.HashPrefix(path, info.Size)
	if err != nil {
		return 0, 0, false, fmt.Errorf("hash local prefix: %w", err)
	}

	if prefixHash != info.Checksum {
		w.logger.Info("resume prefix hash mismatch, discarding upload handle", slog.Int64("task_id", t.ID), slog.Int64("upload_id", latest))

		if err := w.discardUploads(ctx, t.ID); err != nil {
			return 0, 0, false, err
		}

		return 0, 0, false, nil
	}

	return latest, info.Size, true, nil
}

// streamChunks implements spec.md §4.5 steps 6-8: seek to usize, stream
// the remaining bytes in chunkSize pieces, re-checking the Status Gate
// between chunks, and handling the upload-superseded error.
func (w *LargeUploadWorker) streamChunks(ctx context.Context, t task.Task, path string, uploadID, usize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	fsize := info.Size()

	if _, err := f.Seek(usize, io.SeekStart); err != nil {
		return fmt.Errorf("seek to resume offset: %w", err)
	}

	offset := usize
	chunkSize := w.chunkSize

	if chunkSize <= 0 {
		chunkSize = fsize - usize
	}

	for offset < fsize {
		length := chunkSize
		if offset+length > fsize {
			length = fsize - offset
		}

		if err := w.client.UploadWrite(ctx, uploadID, offset, length, io.LimitReader(f, length)); err != nil {
			var remoteErr *remote.Error
			if errors.As(err, &remoteErr) && remoteErr.Code == remote.CodeUploadSuperseded {
				w.logger.Info("upload superseded, discarding handles", slog.Int64("task_id", t.ID))

				if discardErr := w.discardUploads(ctx, t.ID); discardErr != nil {
					return discardErr
				}

				return fmt.Errorf("upload_write: %w", remote.ErrBackpressure)
			}

			return fmt.Errorf("upload_write: %w", err)
		}

		offset += length

		if w.metrics != nil {
			w.metrics.LargeUploadBytes.Add(float64(length))
		}

		if w.progress != nil {
			w.progress(offset, fsize)
		}

		// Re-check the Status Gate between chunks (spec.md §4.5 step 7).
		if err := w.gate.Wait(ctx); err != nil {
			return fmt.Errorf("gate wait mid-upload: %w", err)
		}
	}

	return nil
}

// finalize implements spec.md §4.5 steps 9-10: verify the full-file
// checksum, then upload_save and complete the task transactionally.
func (w *LargeUploadWorker) finalize(ctx context.Context, t task.Task, path string, uploadID int64) error {
	localHash, _, err := xorhash.HashFile(path)
	if err != nil {
		return fmt.Errorf("hash local file: %w", err)
	}

	info, err := w.client.UploadInfo(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("upload_info verify: %w", err)
	}

	if info.Checksum != localHash {
		w.logger.Warn("full-file checksum mismatch after upload, restarting", slog.Int64("task_id", t.ID))
		return w.discardUploads(ctx, t.ID)
	}

	result, err := w.client.UploadSave(ctx, t.FolderID, t.Text1, uploadID)
	if err != nil {
		var remoteErr *remote.Error
		if errors.As(err, &remoteErr) && remoteErr.Category == remote.CategoryDataFixup {
			// Shares its error policy with CreateFile.Process
			// (pfsupload.c's large_upload_save calls the same
			// handle_upload_api_error_taskid as uploadfile's error path):
			// patch the task row and let the next Drain pass retry
			// upload_save with the corrected folderid/name.
			if fxErr := applyFixupToStore(ctx, w.store, t.ID, remoteErr.Fixup); fxErr != nil {
				return fmt.Errorf("upload_save: apply fixup: %w", fxErr)
			}

			w.logger.Info("upload_save rejected, applied fixup", slog.Int64("task_id", t.ID), slog.Int("code", remoteErr.Code))

			return nil
		}

		return fmt.Errorf("upload_save: %w", err)
	}

	if _, err := w.store.Complete(ctx, t, result.FileID, true); err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if err := w.store.ClearUploads(ctx, t.ID); err != nil {
		w.logger.Warn("failed to clear upload records after success", slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
	}

	w.logger.Info("large upload finalized", slog.Int64("task_id", t.ID), slog.Int64("file_id", result.FileID))

	return nil
}

// discardUploads deletes every recorded server-side upload handle for a
// task and clears the local records (spec.md §4.5 step 8, §3 invariant 4).
func (w *LargeUploadWorker) discardUploads(ctx context.Context, taskID int64) error {
	ids, err := w.store.AllUploadIDs(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list upload ids: %w", err)
	}

	for _, id := range ids {
		if err := w.client.UploadDelete(ctx, id); err != nil {
			w.logger.Warn("upload_delete failed, will retry next pass", slog.Int64("upload_id", id), slog.String("error", err.Error()))
		}
	}

	return w.store.ClearUploads(ctx, taskID)
}
