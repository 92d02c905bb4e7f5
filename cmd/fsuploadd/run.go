package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/obs"
	"github.com/fsupload/engine/internal/remote"
	"github.com/fsupload/engine/internal/task"
	"github.com/fsupload/engine/internal/upload"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher and large-upload worker",
		Long:  "Opens the task store, starts the Pipelined Batch Runner and Dispatcher, and exposes the read-only admin HTTP surface until interrupted.",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	ctx := shutdownContext(context.Background(), logger)

	pidPath := cfg.Queue.DBPath + ".pid"

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := task.Open(ctx, cfg.Queue.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.Queue.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	reg := prometheus.NewRegistry()

	g := gate.New(logger, reg)
	// Credential acquisition and connectivity/quota monitoring are
	// out-of-scope collaborators (spec.md §1); this daemon has no way to
	// observe them itself, so it opens the gate fully at startup. A
	// deployment with a real session-status feed would flip these bits
	// from that feed instead.
	g.Set(gate.BitAuth, true)
	g.Set(gate.BitOnline, true)
	g.Set(gate.BitQuota, true)
	g.Set(gate.BitRun, true)

	pool := remote.NewWSPool(cfg.Upload.RemoteWSURL, logger)
	client := remote.NewHTTPClient(cfg.Upload.RemoteHTTPBaseURL, logger)

	handlers := upload.NewHandlers(store, cfg.Queue.CacheDir, cfg.Upload.DirectUploadLimit,
		msToDuration(cfg.Upload.SleepOnDiskFullMs), logger)

	wake := upload.NewWaker()

	// The Batch Runner needs to tell the Dispatcher "a task just went
	// pending-large, make sure the worker is running" before the
	// Dispatcher itself exists; route the callback through a pointer set
	// right after NewDispatcher returns.
	var dispatcher *upload.Dispatcher

	runner := upload.NewBatchRunner(pool, handlers, store, g, msToDuration(cfg.Upload.SleepOnFailedUpMs),
		func(taskID int64) {
			if dispatcher != nil {
				dispatcher.OnPendingLarge(taskID)
			}
		}, wake, logger)

	var progress upload.ProgressFunc
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bar := progressbar.DefaultBytes(-1, "large upload")
		progress = func(uploaded, total int64) {
			bar.ChangeMax64(total)
			_ = bar.Set64(uploaded)
		}
	}

	worker := upload.NewLargeUploadWorker(store, client, g, cfg.Queue.CacheDir, cfg.Upload.ChunkSize,
		msToDuration(cfg.Upload.SleepOnFailedUpMs), progress, logger)

	dispatcher = upload.NewDispatcher(store, g, runner, worker, wake, cfg.Queue.BatchSize, logger)

	metrics := obs.NewMetrics(reg, g.WaitHistogram())
	runner.SetMetrics(metrics)
	worker.SetMetrics(metrics)
	dispatcher.SetMetrics(metrics)

	admin := obs.NewAdminServer(cfg.Admin.ListenAddr, store, g, reg, logger)

	errCh := make(chan error, 2)

	go func() { errCh <- admin.ListenAndServe(ctx) }()
	go func() { errCh <- dispatcher.Run(ctx) }()

	logger.Info("fsuploadd started", slog.String("admin_addr", cfg.Admin.ListenAddr), slog.String("db_path", cfg.Queue.DBPath))

	<-ctx.Done()

	// Drain both goroutines' exit errors; context cancellation is the
	// expected shutdown path, not a failure worth surfacing to the shell.
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return err
		}
	}

	return nil
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
