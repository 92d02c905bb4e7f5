package remote

import (
	"context"
	"io"
)

// FolderResult is the success payload of createfolderifnotexists.
type FolderResult struct {
	FolderID int64
}

// FileResult is the success payload of uploadfile and upload_save.
type FileResult struct {
	FileID int64
	Hash   string
}

// UploadHandle is the success payload of upload_create.
type UploadHandle struct {
	UploadID int64
}

// UploadInfo is the success payload of upload_info.
type UploadInfo struct {
	Checksum string
	Size     int64
}

// Conn is one exclusively-held connection from the pipelined pool. Send
// writes a single request frame without reading the response (handlers
// must not block here); Recv reads exactly one pending response frame.
// TryRecv is the non-blocking poll the Batch Runner uses to overlap sends
// with reads on the same connection (spec.md §4.4 step 3b).
type Conn interface {
	// SendCreateFolder writes a createfolderifnotexists request frame and
	// returns without reading the reply; the reply is read later with
	// TryRecv/Recv. The other Send* methods follow the same pattern.
	SendCreateFolder(ctx context.Context, parentFolderID int64, name string) error
	SendDeleteFolder(ctx context.Context, folderID int64) error
	SendUploadFile(ctx context.Context, folderID int64, filename string, size int64, body io.Reader) error
	SendDeleteFile(ctx context.Context, fileID int64) error

	// TryRecv returns (response, true, nil) if a full response frame is
	// already available without blocking; (nil, false, nil) if none is
	// ready yet; an error if the connection is no longer usable.
	TryRecv(ctx context.Context) (*Response, bool, error)

	// Recv blocks until the next response frame arrives.
	Recv(ctx context.Context) (*Response, error)
}

// Response is one decoded reply frame from the pipelined connection. Op
// identifies which Send* call it answers (frames arrive in send order,
// spec.md §4.4 invariant); Code is the remote numeric result code (0 =
// success); Folder/File carry the typed success payload for the
// corresponding op.
type Response struct {
	Op     OpKind
	Code   int
	Folder FolderResult
	File   FileResult
}

// OpKind identifies which handler a Response belongs to.
type OpKind int

const (
	OpCreateFolder OpKind = iota
	OpDeleteFolder
	OpUploadFile
	OpDeleteFile
)

// Pool hands out exclusively-held pipelined connections, mirroring the
// teacher's pooled Graph *http.Client wrapped by retry/backoff — here
// generalized to the multiplexed binary RPC connection the pipelined batch
// path requires (spec.md §4.4 step 1, "acquire a conn from the API pool").
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	// Release returns conn to the pool. healthy=false discards it instead
	// of reusing it, matching "release conn as bad" in spec.md §4.4's
	// error path.
	Release(conn Conn, healthy bool)
}

// UnaryClient is the typed surface used by the Large Upload Worker, one
// discrete REST call per step (spec.md §4.5, §6). Implemented by
// httpclient.go over github.com/hashicorp/go-retryablehttp.
type UnaryClient interface {
	UploadCreate(ctx context.Context, filesize int64) (UploadHandle, error)
	UploadWrite(ctx context.Context, uploadID int64, offset int64, length int64, body io.Reader) error
	UploadInfo(ctx context.Context, uploadID int64) (UploadInfo, error)
	UploadSave(ctx context.Context, folderID int64, name string, uploadID int64) (FileResult, error)
	UploadDelete(ctx context.Context, uploadID int64) error
}
