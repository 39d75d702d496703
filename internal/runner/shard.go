package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/scheduler"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// Shard workers report to the parent over stdout as newline-delimited JSON
// frames. Snapshot frames stream during the run; one summary (or error)
// frame closes the stream.
const (
	frameSnapshot = "snapshot"
	frameSummary  = "summary"
	frameError    = "error"
)

type frame struct {
	Type     string            `json:"type"`
	Snapshot *metrics.Snapshot `json:"snapshot,omitempty"`
	Summary  *metrics.Summary  `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// pipeSink streams snapshot frames to the parent process.
type pipeSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPipeSink(w io.Writer) *pipeSink {
	return &pipeSink{enc: json.NewEncoder(w)}
}

func (p *pipeSink) WriteSnapshot(_ context.Context, snap metrics.Snapshot) error {
	return p.write(frame{Type: frameSnapshot, Snapshot: &snap})
}

func (p *pipeSink) write(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(f)
}

// RunShard is the worker-process entry point: it executes one shard's slice
// of the load and emits frames on out. The task row is read from the store;
// no status transitions happen here.
func (r *Runner) RunShard(ctx context.Context, taskID string, index, total int, out io.Writer) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	log := r.log.With("task_id", task.ID, "shard", index)

	sink := newPipeSink(out)
	prof := scheduler.FromTask(task).Shard(index, total)
	prof.DrainTimeout = r.cfg.Engine.DrainTimeout
	log.Info("shard started", "users", prof.Users, "shards", total)

	summary, runErr := execute(ctx, execConfig{
		Task:       task,
		Profile:    prof,
		Cfg:        r.cfg,
		Sink:       sink,
		Log:        log,
		ShardIndex: index,
	})

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		werr := sink.write(frame{Type: frameError, Error: runErr.Error()})
		if werr != nil {
			log.Error("failed to report shard error", "error", werr)
		}
		return runErr
	}
	if summary != nil {
		if err := sink.write(frame{Type: frameSummary, Summary: summary}); err != nil {
			return fmt.Errorf("report shard summary: %w", err)
		}
	}
	log.Info("shard finished")
	return nil
}

// runSharded splits the task across worker processes, merges their snapshot
// streams second by second, and folds their summaries into one.
func (r *Runner) runSharded(ctx context.Context, task *store.Task, shards int) (*metrics.Summary, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate engine binary: %w", err)
	}
	log := r.log.With("task_id", task.ID)

	merger := newSnapMerger(task.ID, shards, r.store, log)
	mergeCtx, stopMerger := context.WithCancel(context.Background())
	defer stopMerger()
	go merger.run(mergeCtx)

	var wg sync.WaitGroup
	procs := make([]*exec.Cmd, shards)
	summaries := make([]*metrics.Summary, shards)
	shardErrs := make([]error, shards)

	for i := 0; i < shards; i++ {
		cmd := exec.Command(exe,
			"-mode", "shard",
			"-task", task.ID,
			"-shard", strconv.Itoa(i),
			"-shards", strconv.Itoa(shards),
		)
		cmd.Stderr = os.Stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			killProcs(procs[:i])
			wg.Wait()
			return nil, fmt.Errorf("shard %d stdout: %w", i, err)
		}
		if err := cmd.Start(); err != nil {
			killProcs(procs[:i])
			wg.Wait()
			return nil, fmt.Errorf("start shard %d: %w", i, err)
		}
		procs[i] = cmd

		wg.Add(1)
		go func(i int, out io.Reader) {
			defer wg.Done()
			summaries[i], shardErrs[i] = collectFrames(out, merger)
		}(i, stdout)
	}

	// Forward cancellation so workers drain; escalate to SIGKILL if a worker
	// outlives the drain window.
	workersDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, cmd := range procs {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
			grace := r.cfg.Engine.DrainTimeout + 15*time.Second
			select {
			case <-workersDone:
			case <-time.After(grace):
				log.Warn("shard workers exceeded drain window, killing")
				for _, cmd := range procs {
					_ = cmd.Process.Kill()
				}
			}
		case <-workersDone:
		}
	}()

	wg.Wait()
	for i, cmd := range procs {
		if err := cmd.Wait(); err != nil && shardErrs[i] == nil && ctx.Err() == nil {
			shardErrs[i] = fmt.Errorf("shard %d exited: %w", i, err)
		}
	}
	close(workersDone)

	merger.flushAll()
	stopMerger()

	var parts []*metrics.Summary
	for _, s := range summaries {
		if s != nil {
			parts = append(parts, s)
		}
	}
	merged := metrics.MergeSummaries(parts)

	for i, err := range shardErrs {
		if err != nil {
			log.Error("shard failed", "shard", i, "error", err)
			return merged, err
		}
	}
	if ctx.Err() != nil {
		return merged, ctx.Err()
	}
	return merged, nil
}

// killProcs reaps already-started workers when launching a later shard
// fails, so a partial start never leaks load generators.
func killProcs(procs []*exec.Cmd) {
	for _, cmd := range procs {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// collectFrames reads one worker's frame stream until EOF.
func collectFrames(out io.Reader, merger *snapMerger) (*metrics.Summary, error) {
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var summary *metrics.Summary
	var shardErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameSnapshot:
			if f.Snapshot != nil {
				merger.add(*f.Snapshot)
			}
		case frameSummary:
			summary = f.Summary
		case frameError:
			shardErr = errors.New(f.Error)
		}
	}
	if err := sc.Err(); err != nil && shardErr == nil {
		shardErr = fmt.Errorf("read shard stream: %w", err)
	}
	return summary, shardErr
}

// snapMerger buckets shard snapshots by second and persists each bucket once
// every shard has reported it, or after a short grace period for stragglers.
type snapMerger struct {
	taskID string
	shards int
	sink   metrics.SnapshotSink
	log    *slog.Logger

	mu      sync.Mutex
	buckets map[int64]*snapBucket
}

type snapBucket struct {
	snap    metrics.Snapshot
	seen    int
	created time.Time
}

func newSnapMerger(taskID string, shards int, sink metrics.SnapshotSink, log *slog.Logger) *snapMerger {
	return &snapMerger{
		taskID:  taskID,
		shards:  shards,
		sink:    sink,
		log:     log,
		buckets: make(map[int64]*snapBucket),
	}
}

func (m *snapMerger) add(snap metrics.Snapshot) {
	sec := snap.Timestamp.Unix()

	m.mu.Lock()
	b, ok := m.buckets[sec]
	if !ok {
		b = &snapBucket{snap: snap, seen: 1, created: time.Now()}
		if snap.Hist != nil {
			b.snap.Hist = snap.Hist.Clone()
		}
		if b.seen >= m.shards {
			m.mu.Unlock()
			m.persist(b.snap)
			return
		}
		m.buckets[sec] = b
		m.mu.Unlock()
		return
	}
	b.snap.Merge(&snap)
	b.seen++
	complete := b.seen >= m.shards
	if complete {
		delete(m.buckets, sec)
	}
	m.mu.Unlock()

	if complete {
		m.persist(b.snap)
	}
}

// run sweeps incomplete buckets so a slow or dead shard cannot stall the
// real-time stream.
func (m *snapMerger) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(3 * time.Second)
		}
	}
}

func (m *snapMerger) sweep(age time.Duration) {
	cutoff := time.Now().Add(-age)

	m.mu.Lock()
	var ready []metrics.Snapshot
	for sec, b := range m.buckets {
		if b.created.Before(cutoff) {
			ready = append(ready, b.snap)
			delete(m.buckets, sec)
		}
	}
	m.mu.Unlock()

	for _, snap := range ready {
		m.persist(snap)
	}
}

// flushAll drains every pending bucket; called once after workers exit.
func (m *snapMerger) flushAll() {
	m.sweep(0)
}

func (m *snapMerger) persist(snap metrics.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.sink.WriteSnapshot(ctx, snap); err != nil {
		m.log.Error("failed to write merged snapshot", "error", err)
	}
}
