package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsOnceAllBitsSet(t *testing.T) {
	g := New(nil, nil)

	done := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		done <- g.Wait(context.Background())
	}()

	g.Set(BitAuth, true)
	g.Set(BitRun, true)
	g.Set(BitOnline, true)

	select {
	case <-done:
		t.Fatal("Wait returned before quota bit was set")
	case <-time.After(50 * time.Millisecond):
	}

	g.Set(BitQuota, true)
	wg.Wait()

	require.NoError(t, <-done)
	assert.True(t, g.Ready())
}

func TestWaitUnblocksOnContextCancel(t *testing.T) {
	g := New(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		errCh <- g.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after context cancellation")
	}
}

func TestSnapshotReportsEachBit(t *testing.T) {
	g := New(nil, nil)
	g.Set(BitAuth, true)

	snap := g.Snapshot()
	assert.True(t, snap["auth"])
	assert.False(t, snap["run"])
	assert.False(t, snap["online"])
	assert.False(t, snap["quota"])
}

func TestSetIsIdempotent(t *testing.T) {
	g := New(nil, nil)
	g.Set(BitAuth, true)
	g.Set(BitAuth, true) // no broadcast should occur, but no error either
	assert.True(t, g.Snapshot()["auth"])
}
