// Package gate implements the Status Gate: a shared blocking condition that
// the dispatcher and every worker consult before touching the network.
// Dispatch only proceeds when the remote session is authenticated, sync is
// running, connectivity is up, and quota is not exhausted (SPEC_FULL.md §6).
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bit identifies one of the conditions the gate tracks. All bits must be
// set for the gate to be open.
type Bit int

const (
	BitAuth Bit = iota
	BitRun
	BitOnline
	BitQuota
	bitCount
)

func (b Bit) String() string {
	switch b {
	case BitAuth:
		return "auth"
	case BitRun:
		return "run"
	case BitOnline:
		return "online"
	case BitQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Gate is a sync.Cond-backed observable: Set flips a bit and broadcasts;
// Wait blocks until all bits are set or ctx is done. There is no library in
// the example corpus offering a multi-bit blocking condition primitive —
// sync.Cond is the standard-library tool built for exactly this shape, and
// the original C source (pfsupload.c) uses the equivalent pthread_cond_wait
// loop.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bits   [bitCount]bool
	logger *slog.Logger

	waitHist prometheus.Histogram
}

// New constructs a Gate with all bits clear (closed). reg may be nil, in
// which case the wait-duration histogram is not registered anywhere.
func New(logger *slog.Logger, reg prometheus.Registerer) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		logger: logger,
		waitHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fsupload",
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time callers spent blocked in Gate.Wait before dispatch proceeded.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	g.cond = sync.NewCond(&g.mu)

	if reg != nil {
		reg.MustRegister(g.waitHist)
	}

	return g
}

// Set flips bit to value and wakes every blocked waiter so it can
// re-evaluate readiness.
func (g *Gate) Set(bit Bit, value bool) {
	g.mu.Lock()
	changed := g.bits[bit] != value
	g.bits[bit] = value
	g.mu.Unlock()

	if changed {
		g.logger.Info("gate bit changed", slog.String("bit", bit.String()), slog.Bool("value", value))
		g.cond.Broadcast()
	}
}

// Ready reports whether every bit is currently set, without blocking.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.allSetLocked()
}

func (g *Gate) allSetLocked() bool {
	for _, b := range g.bits {
		if !b {
			return false
		}
	}

	return true
}

// Wait blocks until every bit is set or ctx is canceled, whichever comes
// first. It records the blocked duration in the wait-time histogram
// regardless of outcome.
func (g *Gate) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		g.waitHist.Observe(time.Since(start).Seconds())
	}()

	// sync.Cond has no context-aware wait, so a watcher goroutine
	// broadcasts once on cancellation to unstick any blocked caller.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			g.cond.Broadcast()
		case <-done:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	for !g.allSetLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.cond.Wait()
	}

	return ctx.Err()
}

// WaitHistogram exposes the wait-duration collector so callers can bundle
// it alongside the rest of the process's Prometheus collectors.
func (g *Gate) WaitHistogram() prometheus.Histogram { return g.waitHist }

// Snapshot returns the current value of every bit, keyed by name, for the
// admin status surface.
func (g *Gate) Snapshot() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]bool, bitCount)
	for i, v := range g.bits {
		out[Bit(i).String()] = v
	}

	return out
}
