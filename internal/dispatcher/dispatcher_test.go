package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// fakeStore is an in-memory store.Store for dispatcher tests.
type fakeStore struct {
	mu           sync.Mutex
	tasks        map[string]*store.Task
	stopping     map[string]store.Kind
	failures     map[string]string
	orphanResets int
	lastSnapshot time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*store.Task),
		stopping: make(map[string]store.Kind),
		failures: make(map[string]string),
	}
}

func (f *fakeStore) ClaimPending(_ context.Context, token string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Status == store.StatusCreated {
			t.Status = store.StatusLocked
			t.LockedBy = token
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, _ store.Kind, status store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && !t.Status.Terminal() {
		t.Status = status
	}
	return nil
}

func (f *fakeStore) SetFailed(_ context.Context, id string, _ store.Kind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && !t.Status.Terminal() {
		t.Status = store.StatusFailed
		t.ErrorMessage = message
	}
	f.failures[id] = message
	return nil
}

func (f *fakeStore) StoppingTasks(_ context.Context) (map[string]store.Kind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.Kind, len(f.stopping))
	for k, v := range f.stopping {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ResetOrphans(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphanResets++
	var n int64
	for _, t := range f.tasks {
		if t.Status == store.StatusLocked || t.Status == store.StatusRunning {
			t.Status = store.StatusFailed
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) WriteSnapshot(context.Context, metrics.Snapshot) error { return nil }
func (f *fakeStore) WriteSummary(context.Context, store.Kind, *metrics.Summary) error {
	return nil
}

func (f *fakeStore) LastSnapshotAt(context.Context, string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSnapshot, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) status(id string) store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.PollInterval = 10 * time.Millisecond
	cfg.Engine.DrainTimeout = 50 * time.Millisecond
	return cfg
}

func TestHealthyTracksTicks(t *testing.T) {
	d := New(newFakeStore(), testConfig(), nil)
	assert.False(t, d.Healthy(), "no ticks yet")

	d.tick(context.Background())
	assert.True(t, d.Healthy())
}

func TestRunResetsOrphans(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["orphan"] = &store.Task{ID: "orphan", Kind: store.KindLLM, Status: store.StatusRunning}
	d := New(fs, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, fs.orphanResets)
	assert.Equal(t, store.StatusFailed, fs.status("orphan"))
}

func TestFinalizeStoppedWorker(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["t1"] = &store.Task{ID: "t1", Kind: store.KindLLM, Status: store.StatusStopping}
	d := New(fs, testConfig(), nil)

	w := &worker{
		task:     &store.Task{ID: "t1", Kind: store.KindLLM},
		stopSent: time.Now(),
	}
	status := d.finalize(context.Background(), w)
	assert.Equal(t, store.StatusStopped, status)
	assert.Equal(t, store.StatusStopped, fs.status("t1"))
}

func TestFinalizeCrashedWorker(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["t1"] = &store.Task{ID: "t1", Kind: store.KindLLM, Status: store.StatusRunning}
	d := New(fs, testConfig(), nil)

	w := &worker{
		task:    &store.Task{ID: "t1", Kind: store.KindLLM},
		exitErr: assert.AnError,
	}
	status := d.finalize(context.Background(), w)
	assert.Equal(t, store.StatusFailed, status)
	assert.Contains(t, fs.failures["t1"], "worker exited")
}

func TestFinalizeRespectsRunnerStatus(t *testing.T) {
	// The runner already finalized; the dispatcher must not overwrite it.
	fs := newFakeStore()
	fs.tasks["t1"] = &store.Task{ID: "t1", Kind: store.KindLLM, Status: store.StatusCompleted}
	d := New(fs, testConfig(), nil)

	w := &worker{task: &store.Task{ID: "t1", Kind: store.KindLLM}}
	status := d.finalize(context.Background(), w)
	assert.Equal(t, store.StatusCompleted, status)
	assert.Empty(t, fs.failures)
}

func TestForwardStopsSettlesOrphanedStopRequests(t *testing.T) {
	// A stop request for a task with no live worker resolves immediately.
	fs := newFakeStore()
	fs.tasks["gone"] = &store.Task{ID: "gone", Kind: store.KindGeneric, Status: store.StatusStopping}
	fs.stopping["gone"] = store.KindGeneric
	d := New(fs, testConfig(), nil)

	d.forwardStops(context.Background())
	assert.Equal(t, store.StatusStopped, fs.status("gone"))
}

func TestTickClaimsNothingWhenQueueEmpty(t *testing.T) {
	fs := newFakeStore()
	d := New(fs, testConfig(), nil)
	d.tick(context.Background())
	assert.Empty(t, d.snapshotWorkers())
}
