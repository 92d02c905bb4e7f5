package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fsupload/engine/internal/gate"
	"github.com/fsupload/engine/internal/task"
)

// StatusView is the subset of engine state the admin surface reports; it
// deliberately exposes no mutation endpoints (SPEC_FULL.md §8 non-goals: no
// task cancellation, no config reload).
type StatusView struct {
	Gate             map[string]bool `json:"gate"`
	TasksByStatus    map[string]int  `json:"tasks_by_status"`
	OldestReadyAge   string          `json:"oldest_ready_age,omitempty"`
	PendingPerFolder map[int64]int   `json:"pending_per_folder,omitempty"`
}

// Metrics bundles the Prometheus collectors the engine updates as it runs.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	TasksCompleted   *prometheus.CounterVec
	LargeUploadBytes prometheus.Counter
	GateWait         prometheus.Histogram
}

// NewMetrics constructs and registers the engine's collectors against reg.
// GateWait is supplied by the caller (it lives on *gate.Gate, constructed
// before Metrics) rather than created here.
func NewMetrics(reg prometheus.Registerer, gateWait prometheus.Histogram) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fsupload",
			Name:      "queue_depth",
			Help:      "Number of tasks currently in each status.",
		}, []string{"status"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsupload",
			Name:      "tasks_completed_total",
			Help:      "Tasks successfully completed, by operation type.",
		}, []string{"type"}),
		LargeUploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsupload",
			Name:      "large_upload_bytes_total",
			Help:      "Bytes streamed by the Large Upload Worker.",
		}),
		GateWait: gateWait,
	}

	reg.MustRegister(m.QueueDepth, m.TasksCompleted, m.LargeUploadBytes)

	return m
}

// AdminServer exposes GET /status and GET /metrics over plain HTTP,
// grounded on the gorilla/mux router idiom (mattldawson-dts pack entry) —
// chosen over the stdlib http.ServeMux for named-route registration
// consistency with the rest of that example's service layer.
type AdminServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewAdminServer wires routes. store and g may be queried concurrently
// with the dispatcher; both types are safe for concurrent use.
func NewAdminServer(addr string, store *task.Store, g *gate.Gate, reg *prometheus.Registry, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		handleStatus(w, req, store, g, logger)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &AdminServer{
		srv:    &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func handleStatus(w http.ResponseWriter, req *http.Request, store *task.Store, g *gate.Gate, logger *slog.Logger) {
	ctx := req.Context()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("count by status: %v", err), http.StatusInternalServerError)
		return
	}

	byStatus := map[string]int{
		"ready":         counts[task.StatusReady],
		"pending_large": counts[task.StatusPendingLarge],
	}

	view := StatusView{
		Gate:             g.Snapshot(),
		TasksByStatus:    byStatus,
		PendingPerFolder: store.PendingTaskCounts(),
	}

	if age, ok, err := store.OldestReadyAge(ctx, time.Now()); err == nil && ok {
		view.OldestReadyAge = age.Round(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(view); err != nil {
		logger.Warn("encode status response", slog.String("error", err.Error()))
	}
}

// ListenAndServe runs the admin HTTP server until ctx is canceled.
func (a *AdminServer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return a.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}

		return err
	}
}
