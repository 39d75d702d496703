package store

import (
	"context"
	"errors"
	"time"

	"github.com/blueberrycongee/lmeterx/internal/metrics"
)

// ErrTaskNotFound is returned when a task id matches neither task family.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the dispatcher's and runner's view of task rows. Narrow on
// purpose: fakes implement it in tests.
type TaskStore interface {
	// ClaimPending atomically claims one created, non-deleted task, marking
	// it locked with the given fencing token. Returns nil when no task is
	// pending.
	ClaimPending(ctx context.Context, token string) (*Task, error)

	// GetTask loads one task by id, searching both task families.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateStatus transitions a task's status. Invalid transitions fail.
	UpdateStatus(ctx context.Context, id string, kind Kind, status Status) error

	// SetFailed moves a task to failed with an error message.
	SetFailed(ctx context.Context, id string, kind Kind, message string) error

	// StoppingTasks lists ids currently in the stopping state.
	StoppingTasks(ctx context.Context) (map[string]Kind, error)

	// ResetOrphans moves every locked or running row to failed with the
	// given reason. Called once at dispatcher startup; idempotent.
	ResetOrphans(ctx context.Context, reason string) (int64, error)
}

// ResultStore persists aggregated output. It doubles as the aggregator's
// snapshot sink in single-process runs.
type ResultStore interface {
	WriteSnapshot(ctx context.Context, snap metrics.Snapshot) error
	WriteSummary(ctx context.Context, kind Kind, summary *metrics.Summary) error

	// LastSnapshotAt returns the timestamp of the newest real-time row for
	// a task; the dispatcher uses it as a liveness heartbeat.
	LastSnapshotAt(ctx context.Context, taskID string) (time.Time, error)
}

// Store bundles both facets backed by one connection pool.
type Store interface {
	TaskStore
	ResultStore
	Ping(ctx context.Context) error
	Close() error
}
