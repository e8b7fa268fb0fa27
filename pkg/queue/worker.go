// Package queue drains the experiment queue through the run engine: one
// in-process drainer at a time, re-armed on startup, on every enqueue,
// and by a periodic supervisor. Delivery is at-least-once; interrupted
// leases are recovered by the stale-reset pass.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qcenturion/arion-agents/pkg/observability"
	"github.com/qcenturion/arion-agents/pkg/store"
)

// DefaultStaleAfter is the lease age after which an in_progress row is
// considered abandoned.
const DefaultStaleAfter = 5 * time.Minute

// supervisorInterval is how often the supervisor re-arms the drainer
// when pending rows exist.
const supervisorInterval = 30 * time.Second

// RunItemFunc executes one queued payload and returns a JSON summary.
// A non-nil error marks the item failed; the summary is stored either
// way.
type RunItemFunc func(ctx context.Context, item *store.QueueItem) (resultJSON string, err error)

// Worker owns the drainer lifecycle. At most one drain loop runs per
// process, guarded by the mutex.
type Worker struct {
	Store      *store.Store
	RunItem    RunItemFunc
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *observability.Metrics

	mu       sync.Mutex
	draining bool
}

// Start recovers stale leases, arms the drainer once, and runs the
// supervisor until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	logger := w.logger()
	if reset, err := w.Store.ResetStale(ctx, w.staleAfter()); err != nil {
		logger.Error("stale lease recovery failed", "error", err)
	} else if reset > 0 {
		logger.Info("recovered stale queue leases", "count", reset)
	}
	w.Kick(ctx)

	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := w.Store.PendingCount(ctx)
			if err != nil {
				logger.Error("queue supervisor check failed", "error", err)
				continue
			}
			if pending > 0 {
				w.Kick(ctx)
			}
		}
	}
}

// Kick starts the drain loop unless one is already running. Called on
// startup, by the supervisor, and after every enqueue.
func (w *Worker) Kick(ctx context.Context) {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return
	}
	w.draining = true
	w.mu.Unlock()

	go w.drain(ctx)
}

func (w *Worker) drain(ctx context.Context) {
	logger := w.logger()
	defer func() {
		// Always release the handle, even after a panic in RunItem, so
		// a later enqueue can re-arm the drainer.
		if r := recover(); r != nil {
			logger.Error("queue drainer crashed", "panic", r)
		}
		w.mu.Lock()
		w.draining = false
		w.mu.Unlock()
	}()

	if _, err := w.Store.ResetStale(ctx, w.staleAfter()); err != nil {
		logger.Error("stale lease recovery failed", "error", err)
	}

	for ctx.Err() == nil {
		item, found, err := w.Store.LeaseNext(ctx)
		if err != nil {
			logger.Error("queue lease failed", "error", err)
			return
		}
		if !found {
			return
		}

		logger.Info("processing queue item",
			"id", item.ID, "experiment_id", item.ExperimentID,
			"item_index", item.ItemIndex, "iteration", item.Iteration)

		resultJSON, runErr := w.RunItem(ctx, item)
		succeeded := runErr == nil
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
			logger.Error("queue item failed", "id", item.ID, "error", runErr)
		}
		if err := w.Store.MarkCompleted(ctx, item.ID, succeeded, errMsg, resultJSON); err != nil {
			logger.Error("failed to record queue item completion", "id", item.ID, "error", err)
		}

		outcome := store.QueueStatusCompleted
		if !succeeded {
			outcome = store.QueueStatusFailed
		}
		w.Metrics.RecordQueueItem(outcome)
	}
}

func (w *Worker) staleAfter() time.Duration {
	if w.StaleAfter > 0 {
		return w.StaleAfter
	}
	return DefaultStaleAfter
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
