// Package runner executes one claimed task end to end: it loads the task
// row, decides between single-process and sharded execution, drives the
// load, and persists real-time rows and the final summary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/observability"
	"github.com/blueberrycongee/lmeterx/internal/scheduler"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// Runner executes tasks against one store.
type Runner struct {
	store  store.Store
	cfg    *config.Config
	log    *slog.Logger
	tracer trace.Tracer
}

// New creates a runner.
func New(st store.Store, cfg *config.Config, log *slog.Logger, tracer trace.Tracer) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: st, cfg: cfg, log: log, tracer: tracer}
}

// Run executes the task with the given id to a terminal state. Cancellation
// of ctx (the stop path) drains the load and leaves the status transition to
// the dispatcher; every other outcome is finalized here.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	log := r.log.With("task_id", task.ID, "kind", string(task.Kind))

	shards := r.shardCount(task.ConcurrentUsers)
	ctx, span := observability.StartTaskSpan(ctx, r.tracer, "task.run", task.ID, 0, shards)
	defer span.End()

	if err := r.store.UpdateStatus(ctx, task.ID, task.Kind, store.StatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	log.Info("task started",
		"users", task.ConcurrentUsers, "duration_sec", task.Duration, "shards", shards)
	if len(task.Headers) > 0 {
		log.Debug("request headers", "headers", observability.RedactHeaders(task.HeaderMap()))
	}

	var summary *metrics.Summary
	var runErr error
	if shards > 1 {
		summary, runErr = r.runSharded(ctx, task, shards)
	} else {
		prof := scheduler.FromTask(task)
		prof.DrainTimeout = r.cfg.Engine.DrainTimeout
		summary, runErr = execute(ctx, execConfig{
			Task:    task,
			Profile: prof,
			Cfg:     r.cfg,
			Sink:    r.store,
			Log:     log,
		})
	}

	// Persistence happens on a fresh context so a stop still lands the
	// partial summary.
	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if summary != nil {
		if err := r.store.WriteSummary(persistCtx, task.Kind, summary); err != nil {
			log.Error("failed to persist summary", "error", err)
		}
	}

	cancelled := ctx.Err() != nil || errors.Is(runErr, context.Canceled)
	if runErr != nil && !cancelled {
		observability.RecordError(span, runErr)
		if err := r.store.SetFailed(persistCtx, task.ID, task.Kind, runErr.Error()); err != nil {
			log.Error("failed to mark task failed", "error", err)
		}
		return runErr
	}
	if cancelled {
		if summary != nil {
			observability.RecordTaskResult(span, requestCount(summary), failureCount(summary), string(store.StatusStopping))
		}
		log.Info("task run cancelled, leaving status to supervisor")
		return ctx.Err()
	}

	status := r.finalStatus(summary)
	if summary != nil {
		observability.RecordTaskResult(span, requestCount(summary), failureCount(summary), string(status))
	}
	if err := r.store.UpdateStatus(persistCtx, task.ID, task.Kind, status); err != nil {
		log.Error("failed to finalize status", "status", string(status), "error", err)
		return err
	}
	log.Info("task finished", "status", string(status),
		"requests", requestCount(summary), "failures", failureCount(summary))
	return nil
}

// shardCount decides how many worker processes a run uses. Small runs stay
// in-process; large ones split across CPUs with a floor on users per shard.
func (r *Runner) shardCount(users int) int {
	threshold := r.cfg.Engine.MultiprocessThreshold
	minPer := r.cfg.Engine.MinUsersPerProcess
	if minPer < 1 {
		minPer = 1
	}
	cpus := runtime.NumCPU()
	if users < threshold || cpus <= 1 {
		return 1
	}
	n := int(math.Ceil(float64(users) / float64(minPer)))
	if n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

// finalStatus maps a clean run to completed or failed_requests: a run where
// nothing succeeded, or whose success rate fell below the configured floor,
// did not really complete.
func (r *Runner) finalStatus(summary *metrics.Summary) store.Status {
	if summary == nil {
		return store.StatusCompleted
	}
	reqs, fails := requestCount(summary), failureCount(summary)
	if reqs == 0 && fails > 0 {
		return store.StatusFailedRequests
	}
	if floor := r.cfg.Engine.SuccessRateFloor; floor > 0 && summary.SuccessRate < floor {
		return store.StatusFailedRequests
	}
	return store.StatusCompleted
}

func requestCount(s *metrics.Summary) int64 {
	var n int64
	for label, ls := range s.Labels {
		if label == metrics.LabelFirstToken {
			continue
		}
		n += int64(ls.Count)
	}
	return n
}

func failureCount(s *metrics.Summary) int64 {
	var n int64
	for label, ls := range s.Labels {
		if label == metrics.LabelFirstToken {
			continue
		}
		n += int64(ls.Failures)
	}
	return n
}
