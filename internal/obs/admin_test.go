package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/task"
)

func TestAdminServerStatusAndMetricsEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := task.Open(ctx, ":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.InsertTask(ctx, task.Task{Type: task.MkDir, FolderID: 1, Text1: "docs"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	g := gate.New(nil, reg)
	g.Set(gate.BitAuth, true)

	const addr = "127.0.0.1:19091"
	admin := NewAdminServer(addr, store, g, reg, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- admin.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()

		return true
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var view StatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.True(t, view.Gate["auth"])
	assert.False(t, view.Gate["run"])
	assert.Equal(t, 1, view.TasksByStatus["ready"])

	metricsResp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	cancel()

	select {
	case <-serveDone:
	case <-time.After(time.Second):
		t.Fatal("admin server did not shut down after context cancellation")
	}
}
