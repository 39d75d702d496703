// Package dispatcher is the engine's supervisor loop: it claims pending
// tasks from the store, launches one runner subprocess per task, forwards
// stop requests, and recovers from dead or silent workers.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// orphanReason marks tasks that were mid-flight when a previous dispatcher
// died; the console surfaces it in the task's error message.
const orphanReason = "DISPATCHER_RESTART: task was interrupted by an engine restart"

// worker tracks one runner subprocess.
type worker struct {
	task    *store.Task
	cmd     *exec.Cmd
	started time.Time
	// stopSent is when SIGTERM was forwarded; zero until a stop request.
	stopSent time.Time
	done     chan struct{}
	exitErr  error
}

// Dispatcher owns the poll loop and the worker table.
type Dispatcher struct {
	store store.Store
	cfg   *config.Config
	log   *slog.Logger

	// id fences status writes: every claim records id@unixnano in locked_by.
	id string

	mu      sync.Mutex
	workers map[string]*worker

	lastTick atomic.Int64 // unix nano of the most recent poll pass
}

// New creates a dispatcher with a fresh identity.
func New(st store.Store, cfg *config.Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   st,
		cfg:     cfg,
		log:     log.With("component", "dispatcher"),
		id:      uuid.NewString(),
		workers: make(map[string]*worker),
	}
}

// Run executes the dispatcher loop until ctx is cancelled, then drains
// running workers. Orphans from a previous process are failed first so the
// console never shows a phantom running task.
func (d *Dispatcher) Run(ctx context.Context) error {
	n, err := d.store.ResetOrphans(ctx, orphanReason)
	if err != nil {
		return fmt.Errorf("reset orphans: %w", err)
	}
	if n > 0 {
		d.log.Warn("failed orphaned tasks from previous run", "count", n)
	}
	d.log.Info("dispatcher started", "dispatcher_id", d.id,
		"poll_interval", d.cfg.Engine.PollInterval.String())

	ticker := time.NewTicker(d.cfg.Engine.PollInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Healthy reports whether the poll loop ticked recently; the health endpoint
// serves it.
func (d *Dispatcher) Healthy() bool {
	last := d.lastTick.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < 30*time.Second
}

// tick runs one supervision pass: reap exited workers, honor stop requests,
// enforce the heartbeat, then claim new work.
func (d *Dispatcher) tick(ctx context.Context) {
	d.lastTick.Store(time.Now().UnixNano())
	metrics.DispatcherTicks.Inc()

	d.reap(ctx)
	d.forwardStops(ctx)
	d.checkHeartbeats(ctx)
	d.claim(ctx)
}

// claim pulls at most one task per tick and launches a worker for it.
func (d *Dispatcher) claim(ctx context.Context) {
	token := fmt.Sprintf("%s@%d", d.id, time.Now().UnixNano())
	task, err := d.store.ClaimPending(ctx, token)
	if err != nil {
		d.log.Error("claim failed", "error", err)
		return
	}
	if task == nil {
		return
	}
	metrics.TasksClaimed.Inc()
	d.log.Info("claimed task", "task_id", task.ID, "kind", string(task.Kind),
		"users", task.ConcurrentUsers)

	if err := d.launch(task); err != nil {
		d.log.Error("failed to launch worker", "task_id", task.ID, "error", err)
		if ferr := d.store.SetFailed(ctx, task.ID, task.Kind, "worker launch: "+err.Error()); ferr != nil {
			d.log.Error("failed to mark task failed", "task_id", task.ID, "error", ferr)
		}
	}
}

func (d *Dispatcher) launch(task *store.Task) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate engine binary: %w", err)
	}
	cmd := exec.Command(exe, "-mode", "run", "-task", task.ID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	w := &worker{task: task, cmd: cmd, started: time.Now(), done: make(chan struct{})}
	d.mu.Lock()
	d.workers[task.ID] = w
	d.mu.Unlock()
	metrics.RunningWorkers.Inc()

	go func() {
		w.exitErr = cmd.Wait()
		close(w.done)
	}()
	d.log.Info("worker started", "task_id", task.ID, "pid", cmd.Process.Pid)
	return nil
}

// reap finalizes exited workers. The runner normally writes its own terminal
// status; the dispatcher only fills the gaps (stop completions and crashes).
func (d *Dispatcher) reap(ctx context.Context) {
	for _, w := range d.snapshotWorkers() {
		select {
		case <-w.done:
		default:
			continue
		}

		d.mu.Lock()
		delete(d.workers, w.task.ID)
		d.mu.Unlock()
		metrics.RunningWorkers.Dec()

		status := d.finalize(ctx, w)
		metrics.TasksFinished.WithLabelValues(string(status)).Inc()
		d.log.Info("worker exited", "task_id", w.task.ID,
			"status", string(status), "runtime", time.Since(w.started).String())
	}
}

// finalize settles the task row after its worker exited and returns the
// resulting status. Terminal writes race the runner's own; UpdateStatus
// ignores rows already terminal, so whichever write lands first wins.
func (d *Dispatcher) finalize(ctx context.Context, w *worker) store.Status {
	task, err := d.store.GetTask(ctx, w.task.ID)
	if err != nil {
		d.log.Error("failed to reload task after exit", "task_id", w.task.ID, "error", err)
		return store.StatusFailed
	}
	if task.Status.Terminal() {
		return task.Status
	}

	if !w.stopSent.IsZero() || task.Status == store.StatusStopping {
		if err := d.store.UpdateStatus(ctx, task.ID, task.Kind, store.StatusStopped); err != nil {
			d.log.Error("failed to mark stopped", "task_id", task.ID, "error", err)
		}
		return store.StatusStopped
	}

	msg := "worker exited without finalizing task"
	if w.exitErr != nil {
		msg = "worker exited: " + w.exitErr.Error()
	}
	if err := d.store.SetFailed(ctx, task.ID, task.Kind, msg); err != nil {
		d.log.Error("failed to mark failed", "task_id", task.ID, "error", err)
	}
	return store.StatusFailed
}

// forwardStops delivers stop requests: SIGTERM first so the worker drains,
// SIGKILL when it overstays the drain window.
func (d *Dispatcher) forwardStops(ctx context.Context) {
	stopping, err := d.store.StoppingTasks(ctx)
	if err != nil {
		d.log.Error("failed to list stopping tasks", "error", err)
		return
	}
	if len(stopping) == 0 {
		return
	}

	grace := d.cfg.Engine.DrainTimeout + 10*time.Second
	for _, w := range d.snapshotWorkers() {
		if _, ok := stopping[w.task.ID]; !ok {
			continue
		}
		if w.stopSent.IsZero() {
			w.stopSent = time.Now()
			d.log.Info("forwarding stop", "task_id", w.task.ID)
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				d.log.Error("failed to signal worker", "task_id", w.task.ID, "error", err)
			}
			continue
		}
		if time.Since(w.stopSent) > grace {
			d.log.Warn("worker ignored stop, killing", "task_id", w.task.ID)
			_ = w.cmd.Process.Kill()
		}
	}

	// Stop requests for tasks with no live worker (already crashed, or never
	// launched here) settle directly.
	d.mu.Lock()
	tracked := make(map[string]bool, len(d.workers))
	for id := range d.workers {
		tracked[id] = true
	}
	d.mu.Unlock()
	for id, kind := range stopping {
		if tracked[id] {
			continue
		}
		if err := d.store.UpdateStatus(ctx, id, kind, store.StatusStopped); err != nil {
			d.log.Error("failed to settle stop without worker", "task_id", id, "error", err)
		}
	}
}

// checkHeartbeats kills workers whose real-time stream went silent. The
// aggregator writes a row every second, so a silent worker is wedged.
func (d *Dispatcher) checkHeartbeats(ctx context.Context) {
	timeout := d.cfg.Engine.HeartbeatTimeout
	for _, w := range d.snapshotWorkers() {
		if time.Since(w.started) < timeout {
			continue
		}
		last, err := d.store.LastSnapshotAt(ctx, w.task.ID)
		if err != nil {
			d.log.Error("heartbeat lookup failed", "task_id", w.task.ID, "error", err)
			continue
		}
		if !last.IsZero() && time.Since(last) < timeout {
			continue
		}
		d.log.Error("worker heartbeat lost, killing",
			"task_id", w.task.ID, "last_snapshot", last.String())
		_ = w.cmd.Process.Kill()
		if err := d.store.SetFailed(ctx, w.task.ID, w.task.Kind,
			"heartbeat lost: no metrics for "+timeout.String()); err != nil {
			d.log.Error("failed to mark heartbeat failure", "task_id", w.task.ID, "error", err)
		}
	}
}

// shutdown signals every worker and waits out the drain window. Tasks still
// running are left for the next dispatcher's orphan recovery.
func (d *Dispatcher) shutdown() {
	workers := d.snapshotWorkers()
	if len(workers) == 0 {
		return
	}
	d.log.Info("shutting down, draining workers", "count", len(workers))
	for _, w := range workers {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.After(d.cfg.Engine.DrainTimeout + 10*time.Second)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			_ = w.cmd.Process.Kill()
		}
	}
}

func (d *Dispatcher) snapshotWorkers() []*worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	return out
}
