package upload

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsupload/engine/internal/remote"
	"github.com/fsupload/engine/internal/task"
	"github.com/fsupload/engine/pkg/xorhash"
)

// fakeUnaryClient is an in-memory remote.UnaryClient. infoQueue lets each
// test script the sequence of UploadInfo responses per upload id (the
// resolve-resume check and the post-write verification are two separate
// calls against what would be evolving remote state); the last entry in a
// queue repeats once exhausted.
type fakeUnaryClient struct {
	nextUploadID int64
	created      map[int64]int64 // uploadID -> bytes written
	infoQueue    map[int64][]remote.UploadInfo
	superseded   map[int64]bool
	deleted      []int64
	savedFileID  int64
	// saveErr, when set, is returned once by the next UploadSave call and
	// then cleared, so a test can script a single rejected upload_save.
	saveErr error
}

func newFakeUnaryClient() *fakeUnaryClient {
	return &fakeUnaryClient{
		created:   map[int64]int64{},
		infoQueue: map[int64][]remote.UploadInfo{},
	}
}

func (c *fakeUnaryClient) UploadCreate(ctx context.Context, filesize int64) (remote.UploadHandle, error) {
	c.nextUploadID++
	c.created[c.nextUploadID] = 0

	return remote.UploadHandle{UploadID: c.nextUploadID}, nil
}

func (c *fakeUnaryClient) UploadWrite(ctx context.Context, uploadID int64, offset int64, length int64, body io.Reader) error {
	if c.superseded[uploadID] {
		return &remote.Error{Code: remote.CodeUploadSuperseded, Category: remote.CategoryBackpressure, Err: remote.ErrBackpressure}
	}

	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}

	c.created[uploadID] += n

	return nil
}

func (c *fakeUnaryClient) UploadInfo(ctx context.Context, uploadID int64) (remote.UploadInfo, error) {
	q := c.infoQueue[uploadID]
	if len(q) == 0 {
		return remote.UploadInfo{}, &remote.Error{Code: 9999, Category: remote.CategoryUnknown, Err: remote.ErrUnknownCode}
	}

	info := q[0]
	if len(q) > 1 {
		c.infoQueue[uploadID] = q[1:]
	}

	return info, nil
}

func (c *fakeUnaryClient) UploadSave(ctx context.Context, folderID int64, name string, uploadID int64) (remote.FileResult, error) {
	if c.saveErr != nil {
		err := c.saveErr
		c.saveErr = nil

		return remote.FileResult{}, err
	}

	c.savedFileID = 42424
	return remote.FileResult{FileID: c.savedFileID}, nil
}

func (c *fakeUnaryClient) UploadDelete(ctx context.Context, uploadID int64) error {
	c.deleted = append(c.deleted, uploadID)
	return nil
}

func TestLargeUploadWorkerFreshUploadEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 1, Text1: "movie.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	content := make([]byte, 5000)
	for i := range content {
		content[i] = byte(i % 251)
	}

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	fullHash, _, err := xorhash.HashFile(path)
	require.NoError(t, err)

	client := newFakeUnaryClient()
	// First minted upload id is always 1 (no prior recorded handle, so
	// resolveResumePoint never calls UploadInfo); finalize's single call
	// must report the final checksum.
	client.infoQueue[1] = []remote.UploadInfo{{Checksum: fullHash, Size: int64(len(content))}}

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 1024, time.Millisecond, nil, nil)

	require.NoError(t, worker.Drain(ctx))

	assert.Equal(t, int64(len(content)), client.created[1])
	assert.Equal(t, int64(42424), client.savedFileID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[task.StatusPendingLarge])
}

func TestLargeUploadWorkerResumesFromRecordedHandle(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 1, Text1: "movie.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	content := make([]byte, 4000)
	for i := range content {
		content[i] = byte(i % 200)
	}

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	partialHash, _, err := xorhash.HashPrefix(path, 1500)
	require.NoError(t, err)

	fullHash, _, err := xorhash.HashFile(path)
	require.NoError(t, err)

	require.NoError(t, store.RecordUploadID(ctx, id, 7))

	client := newFakeUnaryClient()
	client.nextUploadID = 7
	// resolveResumePoint's check, then finalize's post-write verification.
	client.infoQueue[7] = []remote.UploadInfo{
		{Checksum: partialHash, Size: 1500},
		{Checksum: fullHash, Size: 4000},
	}

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 512, time.Millisecond, nil, nil)

	require.NoError(t, worker.Drain(ctx))

	assert.Equal(t, int64(4000-1500), client.created[7], "should only have written the remaining bytes")
	assert.Equal(t, int64(42424), client.savedFileID)
}

func TestLargeUploadWorkerDiscardsOnPrefixMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 1, Text1: "movie.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, []byte("changed content after crash, totally different bytes now"), 0o600))

	require.NoError(t, store.RecordUploadID(ctx, id, 3))

	fullHash, _, err := xorhash.HashFile(path)
	require.NoError(t, err)

	client := newFakeUnaryClient()
	client.nextUploadID = 3
	client.infoQueue[3] = []remote.UploadInfo{{Checksum: "stale-checksum-that-will-never-match", Size: 10}}
	client.infoQueue[4] = []remote.UploadInfo{{Checksum: fullHash, Size: 56}} // the handle minted by the fresh create that follows

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 512, time.Millisecond, nil, nil)

	require.NoError(t, worker.Drain(ctx))

	assert.Contains(t, client.deleted, int64(3))
	assert.Equal(t, int64(42424), client.savedFileID)
}

func TestLargeUploadWorkerHandlesSupersededCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 1, Text1: "big.bin"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	client := newFakeUnaryClient()
	client.superseded = map[int64]bool{1: true}

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 1024, time.Millisecond, nil, nil)

	err = worker.processOne(ctx, task.Task{ID: id, Type: task.CreateFile, FolderID: 1, Text1: "big.bin"})
	require.Error(t, err)

	assert.Contains(t, client.deleted, int64(1))
}

// TestLargeUploadWorkerUploadSaveAccessDeniedAppliesFixup pins the
// finalize() gap the review flagged: upload_save shares its error policy
// with CreateFile (pfsupload.c large_upload_save :283-289 calls the same
// handle_upload_api_error_taskid as uploadfile's error path), so a
// rejected 2003 save must patch folderid to root and leave the task
// pending-large for the next Drain pass, not error out and strand it.
func TestLargeUploadWorkerUploadSaveAccessDeniedAppliesFixup(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 5, Text1: "doc.bin"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	fullHash, _, err := xorhash.HashFile(path)
	require.NoError(t, err)

	client := newFakeUnaryClient()
	client.infoQueue[1] = []remote.UploadInfo{{Checksum: fullHash, Size: 100}}
	client.saveErr = remote.Classify(task.CreateFile, 2003)

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 1024, time.Millisecond, nil, nil)

	require.NoError(t, worker.processOne(ctx, task.Task{ID: id, Type: task.CreateFile, FolderID: 5, Text1: "doc.bin"}))

	assert.Equal(t, int64(0), client.savedFileID, "upload_save should not have reported a completed save")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusPendingLarge], "task should stay pending-large for the next Drain pass")

	got, err := store.NextPendingLarge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.FolderID, "folderid should have been fixed up to root")
}

// TestLargeUploadWorkerUploadSaveParentMissingAppliesFixup covers the other
// data-fixup code CreateFile's table maps to folderid<-0.
func TestLargeUploadWorkerUploadSaveParentMissingAppliesFixup(t *testing.T) {
	ctx := context.Background()
	store := newTestStoreForUpload(t)
	g := openGate(t)

	cacheDir := t.TempDir()
	id, err := store.InsertTask(ctx, task.Task{Type: task.CreateFile, FolderID: 5, Text1: "doc.bin"})
	require.NoError(t, err)
	require.NoError(t, store.MarkPendingLarge(ctx, id))

	path := cacheFilePath(cacheDir, id)
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	fullHash, _, err := xorhash.HashFile(path)
	require.NoError(t, err)

	client := newFakeUnaryClient()
	client.infoQueue[1] = []remote.UploadInfo{{Checksum: fullHash, Size: 100}}
	client.saveErr = remote.Classify(task.CreateFile, 2005)

	worker := NewLargeUploadWorker(store, client, g, cacheDir, 1024, time.Millisecond, nil, nil)

	require.NoError(t, worker.processOne(ctx, task.Task{ID: id, Type: task.CreateFile, FolderID: 5, Text1: "doc.bin"}))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusPendingLarge])

	got, err := store.NextPendingLarge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.FolderID)
}
