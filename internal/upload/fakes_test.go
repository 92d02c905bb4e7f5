package upload

import (
	"context"
	"io"
	"sync"

	"github.com/fsupload/engine/internal/remote"
)

// fakeConn is an in-memory remote.Conn: Send* append to a queue, which
// TryRecv/Recv drain in FIFO order, emulating "responses arrive in send
// order" (spec.md §4.4 invariant).
type fakeConn struct {
	mu        sync.Mutex
	responses []*remote.Response
	broken    bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) enqueue(resp *remote.Response) {
	c.mu.Lock()
	c.responses = append(c.responses, resp)
	c.mu.Unlock()
}

func (c *fakeConn) SendCreateFolder(ctx context.Context, parentFolderID int64, name string) error {
	if c.broken {
		return errBrokenConn
	}

	return nil
}

func (c *fakeConn) SendDeleteFolder(ctx context.Context, folderID int64) error {
	if c.broken {
		return errBrokenConn
	}

	return nil
}

func (c *fakeConn) SendUploadFile(ctx context.Context, folderID int64, filename string, size int64, body io.Reader) error {
	if c.broken {
		return errBrokenConn
	}

	_, _ = io.Copy(io.Discard, body)

	return nil
}

func (c *fakeConn) SendDeleteFile(ctx context.Context, fileID int64) error {
	if c.broken {
		return errBrokenConn
	}

	return nil
}

func (c *fakeConn) TryRecv(ctx context.Context) (*remote.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.responses) == 0 {
		return nil, false, nil
	}

	resp := c.responses[0]
	c.responses = c.responses[1:]

	return resp, true, nil
}

func (c *fakeConn) Recv(ctx context.Context) (*remote.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.responses) == 0 {
		return nil, errNoResponse
	}

	resp := c.responses[0]
	c.responses = c.responses[1:]

	return resp, nil
}

type fakePool struct {
	conn *fakeConn
}

func (p *fakePool) Acquire(ctx context.Context) (remote.Conn, error) { return p.conn, nil }
func (p *fakePool) Release(conn remote.Conn, healthy bool)           {}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

var errBrokenConn = &stubError{"fake: connection broken"}
var errNoResponse = &stubError{"fake: no response queued"}
