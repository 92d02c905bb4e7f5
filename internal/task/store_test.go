package task

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestInsertAndNextReadyBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 1, Text1: "photos"})
	require.NoError(t, err)

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, id, batch[0].ID)
	require.Equal(t, MkDir, batch[0].Type)
}

func TestDependencyEdgeBlocksReadiness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mkdirID, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 1, Text1: "photos"})
	require.NoError(t, err)

	createID, err := s.InsertTask(ctx, Task{Type: CreateFile, FolderID: -mkdirID, Text1: "beach.jpg"}, mkdirID)
	require.NoError(t, err)

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, mkdirID, batch[0].ID)

	_, err = s.Complete(ctx, batch[0], 555, true)
	require.NoError(t, err)

	batch, err = s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, createID, batch[0].ID)
}

func TestCompleteRewritesPlaceholderReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mkdirID, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 1, Text1: "photos"})
	require.NoError(t, err)

	createID, err := s.InsertTask(ctx, Task{Type: CreateFile, FolderID: -mkdirID, Text1: "beach.jpg"}, mkdirID)
	require.NoError(t, err)

	mkdirTask := Task{ID: mkdirID, Type: MkDir, FolderID: 1, Text1: "photos"}
	result, err := s.Complete(ctx, mkdirTask, 9001, true)
	require.NoError(t, err)
	require.True(t, result.DependentsUnblocked)

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, createID, batch[0].ID)
	require.Equal(t, int64(9001), batch[0].FolderID)
}

func TestCompleteOnNonCreatingOpDeletesEdgesOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	unlinkID, err := s.InsertTask(ctx, Task{Type: Unlink, FolderID: 1, FileID: 42})
	require.NoError(t, err)

	_, err = s.Complete(ctx, Task{ID: unlinkID, Type: Unlink}, 0, false)
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts[StatusReady])
}

func TestLargeUploadDeferralAndResume(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.InsertTask(ctx, Task{Type: CreateFile, FolderID: 1, Text1: "movie.mp4", Int1: 500 << 20})
	require.NoError(t, err)

	require.NoError(t, s.MarkPendingLarge(ctx, id))

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)

	pending, err := s.NextPendingLarge(ctx)
	require.NoError(t, err)
	require.Equal(t, id, pending.ID)

	require.NoError(t, s.RecordUploadID(ctx, id, 100))
	require.NoError(t, s.RecordUploadID(ctx, id, 101))

	latest, err := s.LatestUploadID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(101), latest)

	ids, err := s.AllUploadIDs(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []int64{101, 100}, ids)

	require.NoError(t, s.ClearUploads(ctx, id))
	_, err = s.LatestUploadID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextPendingLargeEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.NextPendingLarge(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFixupFolderIDAndText1(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 1, Text1: "My:Folder"})
	require.NoError(t, err)

	require.NoError(t, s.FixupText1(ctx, id, "My_Folder"))
	require.NoError(t, s.FixupFolderID(ctx, id, 0))

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "My_Folder", batch[0].Text1)
	require.Equal(t, int64(0), batch[0].FolderID)
}

func TestDeleteTaskIsIdempotentViaAbsence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.InsertTask(ctx, Task{Type: Unlink, FolderID: 1, FileID: 7})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, id))
	require.NoError(t, s.DeleteTask(ctx, id)) // deleting again is a no-op, not an error

	batch, err := s.NextReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestCountByStatusAndOldestReadyAge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 1, Text1: "a"})
	require.NoError(t, err)

	largeID, err := s.InsertTask(ctx, Task{Type: CreateFile, FolderID: 1, Text1: "b"})
	require.NoError(t, err)
	require.NoError(t, s.MarkPendingLarge(ctx, largeID))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusReady])
	require.Equal(t, 1, counts[StatusPendingLarge])

	_, ok, err := s.OldestReadyAge(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOldestReadyAgeEmptyQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.OldestReadyAge(ctx, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPendingTaskCountsIncrementsAndDecrementsClampedAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	idA, err := s.InsertTask(ctx, Task{Type: MkDir, FolderID: 10, Text1: "a"})
	require.NoError(t, err)

	idB, err := s.InsertTask(ctx, Task{Type: CreateFile, FolderID: 10, Text1: "b.bin"})
	require.NoError(t, err)

	_, err = s.InsertTask(ctx, Task{Type: RmDir, Int1: 20})
	require.NoError(t, err)

	counts := s.PendingTaskCounts()
	require.Equal(t, 2, counts[10])
	require.Equal(t, 1, counts[20])

	_, err = s.Complete(ctx, Task{ID: idA, Type: MkDir, FolderID: 10}, 777, true)
	require.NoError(t, err)

	counts = s.PendingTaskCounts()
	require.Equal(t, 1, counts[10])

	_, err = s.Complete(ctx, Task{ID: idB, Type: CreateFile, FolderID: 10}, 888, true)
	require.NoError(t, err)

	counts = s.PendingTaskCounts()
	require.Equal(t, 0, counts[10])

	// Completing again (e.g. a defensive double-call) must not go negative.
	_, err = s.Complete(ctx, Task{ID: idB, Type: CreateFile, FolderID: 10}, 888, false)
	require.NoError(t, err)

	counts = s.PendingTaskCounts()
	require.Equal(t, 0, counts[10])
}
