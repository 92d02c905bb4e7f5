// Package upload implements the Operation Handlers, Pipelined Batch
// Runner, Large Upload Worker, and Dispatcher (SPEC_FULL.md §4.3–§4.6).
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/fsupload/engine/internal/remote"
	"github.com/fsupload/engine/internal/task"
)

// SendResult is what an operation handler's send step reports back to the
// Pipelined Batch Runner (spec.md §4.3 "common contract").
type SendResult int

const (
	SendOK SendResult = iota
	SendConnectionLost
	// SendDefer means this task must not be sent on the pipelined
	// channel; only CreateFile returns this.
	SendDefer
	// SendPendingLarge is returned when Send is re-invoked with conn=nil
	// after a prior SendDefer — the runner transitions the task to
	// status=pending-large.
	SendPendingLarge
	// SendLocalFatal means the handler already deleted the task row
	// (e.g. the source file is gone); the runner takes no further action.
	SendLocalFatal
)

// ProcessResult is what an operation handler's process step reports
// (spec.md §4.3).
type ProcessResult int

const (
	// ProcessOK: the runner proceeds to placeholder rewrite + dependency
	// deletion + task row deletion.
	ProcessOK ProcessResult = iota
	// ProcessSoftFail: the task stays ready, tried again next batch.
	ProcessSoftFail
	// ProcessHardFail: the handler already called fixup or deleted the
	// task; the runner takes no further action.
	ProcessHardFail
)

// Outcome is the result of Process: whether the op created a remote entity
// and, if so, the id the runner should rewrite placeholders to.
type Outcome struct {
	Result           ProcessResult
	CreatedEntity    bool
	AssignedRemoteID int64
}

// Handler is the send/process pair for one task.Type (spec.md §4.3).
type Handler interface {
	Send(ctx context.Context, conn remote.Conn, t task.Task) (SendResult, error)
	Process(ctx context.Context, t task.Task, resp *remote.Response) (Outcome, error)
}

// Handlers wires every op type to its Handler and holds the shared
// dependencies (store, cache directory, thresholds) they need for fixups,
// local file access, and backpressure sleeps.
type Handlers struct {
	store             *task.Store
	cacheDir          string
	directUploadLimit int64
	sleepOnDiskFull   time.Duration
	logger            *slog.Logger
	sleep             func(context.Context, time.Duration) error

	byType map[task.Type]Handler
}

// NewHandlers constructs the full handler table.
func NewHandlers(store *task.Store, cacheDir string, directUploadLimit int64, sleepOnDiskFull time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handlers{
		store:             store,
		cacheDir:          cacheDir,
		directUploadLimit: directUploadLimit,
		sleepOnDiskFull:   sleepOnDiskFull,
		logger:            logger,
		sleep:             ctxSleep,
	}

	h.byType = map[task.Type]Handler{
		task.MkDir:      &mkdirHandler{h: h},
		task.RmDir:      &rmdirHandler{h: h},
		task.CreateFile: &createFileHandler{h: h},
		task.Unlink:     &unlinkHandler{h: h},
	}

	return h
}

// For returns the Handler registered for t, or nil if none exists (a
// malformed task row — the dispatcher treats this as local-fatal).
func (h *Handlers) For(t task.Type) Handler { return h.byType[t] }

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cacheFilePath is the local source file location for a pending CreateFile
// task: <cachedir>/<hex(task_id)>d (spec.md §6, "the d suffix is literal").
func cacheFilePath(cacheDir string, taskID int64) string {
	return filepath.Join(cacheDir, fmt.Sprintf("%xd", taskID))
}

// applyFixupToStore mutates a task row per a remote.Fixup. Shared by
// Handlers (wraps the result as ProcessHardFail) and the Large Upload
// Worker's finalize step, both of which consult the same
// handle_upload_api_error_taskid-derived policy for CreateFile
// (pfsupload.c:242).
func applyFixupToStore(ctx context.Context, store *task.Store, taskID int64, fx *remote.Fixup) error {
	switch fx.Field {
	case "folderid":
		return store.FixupFolderID(ctx, taskID, fx.Value.(int64))
	case "text1":
		return store.FixupText1(ctx, taskID, fx.Value.(string))
	default:
		return fmt.Errorf("upload: unknown fixup field %q", fx.Field)
	}
}

// applyDataFixup mutates the task row per a remote.Fixup and reports
// ProcessHardFail — the task stays in the store, already corrected,
// picked up again on the next dispatch pass.
func (h *Handlers) applyDataFixup(ctx context.Context, t task.Task, fx *remote.Fixup) (Outcome, error) {
	if err := applyFixupToStore(ctx, h.store, t.ID, fx); err != nil {
		return Outcome{}, fmt.Errorf("upload: apply fixup: %w", err)
	}

	return Outcome{Result: ProcessHardFail}, nil
}

// --- MkDir ---

type mkdirHandler struct{ h *Handlers }

func (m *mkdirHandler) Send(ctx context.Context, conn remote.Conn, t task.Task) (SendResult, error) {
	if err := conn.SendCreateFolder(ctx, t.FolderID, norm.NFC.String(t.Text1)); err != nil {
		return SendConnectionLost, err
	}

	return SendOK, nil
}

func (m *mkdirHandler) Process(ctx context.Context, t task.Task, resp *remote.Response) (Outcome, error) {
	if resp.Code == 0 {
		return Outcome{Result: ProcessOK, CreatedEntity: true, AssignedRemoteID: resp.Folder.FolderID}, nil
	}

	classified := remote.Classify(task.MkDir, resp.Code)

	switch classified.Category {
	case remote.CategoryDataFixup:
		return m.h.applyDataFixup(ctx, t, classified.Fixup)
	default:
		m.h.logger.Info("mkdir soft-fail", slog.Int64("task_id", t.ID), slog.Int("code", resp.Code))
		return Outcome{Result: ProcessSoftFail}, nil
	}
}

// --- RmDir ---

type rmdirHandler struct{ h *Handlers }

func (r *rmdirHandler) Send(ctx context.Context, conn remote.Conn, t task.Task) (SendResult, error) {
	if err := conn.SendDeleteFolder(ctx, t.Int1); err != nil {
		return SendConnectionLost, err
	}

	return SendOK, nil
}

func (r *rmdirHandler) Process(ctx context.Context, t task.Task, resp *remote.Response) (Outcome, error) {
	if resp.Code == 0 {
		return Outcome{Result: ProcessOK}, nil
	}

	classified := remote.Classify(task.RmDir, resp.Code)

	// folder-gone / shared / not-empty / access-denied are all treated as
	// a successful idempotent delete from the overlay's perspective
	// (spec.md §4.3 RmDir errors).
	if classified.Category == remote.CategoryIdempotentDone {
		return Outcome{Result: ProcessOK}, nil
	}

	r.h.logger.Info("rmdir soft-fail", slog.Int64("task_id", t.ID), slog.Int("code", resp.Code))

	return Outcome{Result: ProcessSoftFail}, nil
}

// --- CreateFile ---

type createFileHandler struct{ h *Handlers }

func (c *createFileHandler) Send(ctx context.Context, conn remote.Conn, t task.Task) (SendResult, error) {
	path := cacheFilePath(c.h.cacheDir, t.ID)

	f, err := os.Open(path)
	if err != nil {
		c.h.logger.Warn("create-file source unreadable, deleting task",
			slog.Int64("task_id", t.ID), slog.String("path", path), slog.String("error", err.Error()))

		if delErr := c.h.store.DeleteTask(ctx, t.ID); delErr != nil {
			return SendLocalFatal, fmt.Errorf("upload: delete unreadable-source task: %w", delErr)
		}

		return SendLocalFatal, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.h.logger.Warn("create-file source unstatable, deleting task",
			slog.Int64("task_id", t.ID), slog.String("error", err.Error()))

		if delErr := c.h.store.DeleteTask(ctx, t.ID); delErr != nil {
			return SendLocalFatal, fmt.Errorf("upload: delete unstatable-source task: %w", delErr)
		}

		return SendLocalFatal, err
	}

	if conn == nil {
		// Second invocation, after a prior SendDefer: the runner is
		// asking us to hand this task to the Large Upload Worker.
		return SendPendingLarge, nil
	}

	if info.Size() > c.h.directUploadLimit {
		return SendDefer, nil
	}

	if err := conn.SendUploadFile(ctx, t.FolderID, norm.NFC.String(t.Text1), info.Size(), f); err != nil {
		return SendConnectionLost, err
	}

	return SendOK, nil
}

func (c *createFileHandler) Process(ctx context.Context, t task.Task, resp *remote.Response) (Outcome, error) {
	if resp.Code == 0 {
		return Outcome{Result: ProcessOK, CreatedEntity: true, AssignedRemoteID: resp.File.FileID}, nil
	}

	classified := remote.Classify(task.CreateFile, resp.Code)

	switch classified.Category {
	case remote.CategoryDataFixup:
		return c.h.applyDataFixup(ctx, t, classified.Fixup)
	case remote.CategoryBackpressure:
		// over-quota: sleep then soft-fail (spec.md §4.3 CreateFile errors).
		if err := c.h.sleep(ctx, c.h.sleepOnDiskFull); err != nil && !errors.Is(err, context.Canceled) {
			return Outcome{}, err
		}

		return Outcome{Result: ProcessSoftFail}, nil
	default:
		c.h.logger.Info("create-file soft-fail", slog.Int64("task_id", t.ID), slog.Int("code", resp.Code))
		return Outcome{Result: ProcessSoftFail}, nil
	}
}

// --- Unlink ---

type unlinkHandler struct{ h *Handlers }

func (u *unlinkHandler) Send(ctx context.Context, conn remote.Conn, t task.Task) (SendResult, error) {
	if err := conn.SendDeleteFile(ctx, t.FileID); err != nil {
		return SendConnectionLost, err
	}

	return SendOK, nil
}

func (u *unlinkHandler) Process(ctx context.Context, t task.Task, resp *remote.Response) (Outcome, error) {
	if resp.Code == 0 {
		return Outcome{Result: ProcessOK}, nil
	}

	classified := remote.Classify(task.Unlink, resp.Code)

	// file-gone / access-denied are treated as overlay success (spec.md
	// §4.3 Unlink errors).
	if classified.Category == remote.CategoryIdempotentDone {
		return Outcome{Result: ProcessOK}, nil
	}

	u.h.logger.Info("unlink soft-fail", slog.Int64("task_id", t.ID), slog.Int("code", resp.Code))

	return Outcome{Result: ProcessSoftFail}, nil
}
