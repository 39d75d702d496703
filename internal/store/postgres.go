package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
)

// Postgres implements Store over database/sql with lib/pq. One pool is
// created per process; virtual users never touch it.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and verifies a connection pool.
func NewPostgres(cfg config.DBConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

const llmTaskColumns = `id, name, status, created_by, target_host, api_path, method,
	headers, cookies, cert_file, key_file, insecure,
	api_type, model, stream_mode, chat_type, request_payload, field_mapping,
	dataset_path, concurrent_users, spawn_rate, duration,
	warmup_enabled, warmup_duration,
	locked_by, error_message, created_at, updated_at`

const genericTaskColumns = `id, name, status, created_by, target_host, api_path, method,
	headers, cookies, cert_file, key_file, insecure,
	dataset_path, concurrent_users, spawn_rate, duration,
	warmup_enabled, warmup_duration,
	load_mode, step_start_users, step_increment, step_duration,
	step_max_users, step_sustain_duration,
	locked_by, error_message, created_at, updated_at`

// ClaimPending claims the oldest created task across both families. LLM
// tasks win ties; SKIP LOCKED keeps concurrent dispatchers from claiming
// the same row.
func (s *Postgres) ClaimPending(ctx context.Context, token string) (*Task, error) {
	task, err := s.claimFrom(ctx, "tasks", llmTaskColumns, KindLLM, token)
	if err != nil || task != nil {
		return task, err
	}
	return s.claimFrom(ctx, "common_tasks", genericTaskColumns, KindGeneric, token)
}

func (s *Postgres) claimFrom(ctx context.Context, table, columns string, kind Kind, token string) (*Task, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET status = $1, locked_by = $2, updated_at = now()
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE status = $3 AND is_deleted = 0
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+columns, table)

	row := s.db.QueryRowContext(ctx, query, StatusLocked, token, StatusCreated)
	task, err := scanTask(row, kind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task from %s: %w", table, err)
	}
	return task, nil
}

// GetTask loads one task by id from either family.
func (s *Postgres) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+llmTaskColumns+` FROM tasks WHERE id = $1 AND is_deleted = 0`, id)
	task, err := scanTask(row, KindLLM)
	if err == nil {
		return task, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get task: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+genericTaskColumns+` FROM common_tasks WHERE id = $1 AND is_deleted = 0`, id)
	task, err = scanTask(row, KindGeneric)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateStatus transitions a task and enforces graph monotonicity in SQL:
// terminal states are sticky.
func (s *Postgres) UpdateStatus(ctx context.Context, id string, kind Kind, status Status) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $1, updated_at = now()
		 WHERE id = $2 AND status NOT IN ($3, $4, $5, $6)`, taskTable(kind)),
		status, id, StatusStopped, StatusCompleted, StatusFailed, StatusFailedRequests)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: no non-terminal row to move to %s", id, status)
	}
	return nil
}

// SetFailed moves a task to failed and records the error message.
func (s *Postgres) SetFailed(ctx context.Context, id string, kind Kind, message string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $1, error_message = $2, updated_at = now()
		 WHERE id = $3 AND status NOT IN ($4, $5, $6)`, taskTable(kind)),
		StatusFailed, message, id, StatusStopped, StatusCompleted, StatusFailedRequests)
	if err != nil {
		return fmt.Errorf("set task failed: %w", err)
	}
	return nil
}

// StoppingTasks lists tasks whose stop was requested by the console.
func (s *Postgres) StoppingTasks(ctx context.Context) (map[string]Kind, error) {
	out := make(map[string]Kind)
	for _, t := range []struct {
		table string
		kind  Kind
	}{{"tasks", KindLLM}, {"common_tasks", KindGeneric}} {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id FROM %s WHERE status = $1 AND is_deleted = 0`, t.table), StatusStopping)
		if err != nil {
			return nil, fmt.Errorf("list stopping tasks: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan stopping task: %w", err)
			}
			out[id] = t.kind
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list stopping tasks: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// ResetOrphans fails every locked or running row. Load tests are not
// resumable, so recovery never restarts them.
func (s *Postgres) ResetOrphans(ctx context.Context, reason string) (int64, error) {
	var total int64
	for _, table := range []string{"tasks", "common_tasks"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $1, error_message = $2, updated_at = now()
			 WHERE status IN ($3, $4)`, table),
			StatusFailed, reason, StatusLocked, StatusRunning)
		if err != nil {
			return total, fmt.Errorf("reset orphans in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// WriteSnapshot appends one real-time metrics row.
func (s *Postgres) WriteSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO common_task_realtime_metrics
			(task_id, timestamp, current_users, current_rps, current_fail_per_sec,
			 avg_response_time, min_response_time, max_response_time,
			 median_response_time, p95_response_time,
			 total_requests, total_failures, warmup)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		snap.TaskID, snap.Timestamp, snap.CurrentUsers, snap.CurrentRPS,
		snap.CurrentFailPerSec, snap.AvgMs, snap.MinMs, snap.MaxMs,
		snap.MedianMs, snap.P95Ms, snap.TotalRequests, snap.TotalFailures, snap.Warmup)
	if err != nil {
		return fmt.Errorf("insert realtime row: %w", err)
	}
	return nil
}

// WriteSummary writes one result row per endpoint label.
func (s *Postgres) WriteSummary(ctx context.Context, kind Kind, summary *metrics.Summary) error {
	table := "task_results"
	if kind == KindGeneric {
		table = "common_task_results"
	}

	for label, ls := range summary.Labels {
		failuresJSON, _ := json.Marshal(ls.ByKind)
		var avgCompletionTokens, avgTotalTokens float64
		if ls.Count > 0 {
			avgCompletionTokens = float64(ls.CompletionTokens) / float64(ls.Count)
			avgTotalTokens = float64(ls.TotalTokens) / float64(ls.Count)
		}
		minMs := ls.MinMs
		if minMs < 0 {
			minMs = 0
		}
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s
				(task_id, metric_type, num_requests, num_failures, failures_by_kind,
				 avg_latency, min_latency, max_latency, median_latency, p95_latency,
				 rps, completion_tps, total_tps,
				 avg_completion_tokens_per_req, avg_total_tokens_per_req,
				 tokens_estimated, dropped_events, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())`, table),
			summary.TaskID, label, ls.Count, ls.Failures, string(failuresJSON),
			ls.AvgMs(), minMs, ls.MaxMs,
			float64(ls.Hist.Quantile(0.50))/1e6, float64(ls.Hist.Quantile(0.95))/1e6,
			summary.RPS, summary.CompletionTPS, summary.TotalTPS,
			avgCompletionTokens, avgTotalTokens,
			summary.TokensEstimated, summary.Dropped)
		if err != nil {
			return fmt.Errorf("insert result row: %w", err)
		}
	}
	return nil
}

// LastSnapshotAt reports the newest real-time row for a task.
func (s *Postgres) LastSnapshotAt(ctx context.Context, taskID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT max(timestamp) FROM common_task_realtime_metrics WHERE task_id = $1`,
		taskID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last snapshot: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func taskTable(kind Kind) string {
	if kind == KindGeneric {
		return "common_tasks"
	}
	return "tasks"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, kind Kind) (*Task, error) {
	t := &Task{Kind: kind}
	var headers, cookies, certFile, keyFile sql.NullString
	var lockedBy, errorMessage, method, datasetPath sql.NullString
	var insecure sql.NullBool

	var err error
	if kind == KindLLM {
		var apiType, model, payload, mapping sql.NullString
		var streamMode, warmup sql.NullBool
		var chatType, warmupDur sql.NullInt64
		err = row.Scan(
			&t.ID, &t.Name, &t.Status, &t.CreatedBy, &t.TargetHost, &t.APIPath, &method,
			&headers, &cookies, &certFile, &keyFile, &insecure,
			&apiType, &model, &streamMode, &chatType, &payload, &mapping,
			&datasetPath, &t.ConcurrentUsers, &t.SpawnRate, &t.Duration,
			&warmup, &warmupDur,
			&lockedBy, &errorMessage, &t.CreatedAt, &t.UpdatedAt,
		)
		t.APIType = apiType.String
		t.Model = model.String
		t.StreamMode = streamMode.Bool
		t.ChatType = int(chatType.Int64)
		t.RequestPayload = payload.String
		t.FieldMapping = mapping.String
		t.WarmupEnabled = warmup.Bool
		t.WarmupDuration = int(warmupDur.Int64)
	} else {
		var loadMode sql.NullString
		var warmup sql.NullBool
		var warmupDur, stepStart, stepInc, stepDur, stepMax, stepSustain sql.NullInt64
		err = row.Scan(
			&t.ID, &t.Name, &t.Status, &t.CreatedBy, &t.TargetHost, &t.APIPath, &method,
			&headers, &cookies, &certFile, &keyFile, &insecure,
			&datasetPath, &t.ConcurrentUsers, &t.SpawnRate, &t.Duration,
			&warmup, &warmupDur,
			&loadMode, &stepStart, &stepInc, &stepDur, &stepMax, &stepSustain,
			&lockedBy, &errorMessage, &t.CreatedAt, &t.UpdatedAt,
		)
		t.WarmupEnabled = warmup.Bool
		t.WarmupDuration = int(warmupDur.Int64)
		t.LoadMode = loadMode.String
		t.StepStartUsers = int(stepStart.Int64)
		t.StepIncrement = int(stepInc.Int64)
		t.StepDuration = int(stepDur.Int64)
		t.StepMaxUsers = int(stepMax.Int64)
		t.StepSustainDuration = int(stepSustain.Int64)
	}
	if err != nil {
		return nil, err
	}

	t.Method = method.String
	t.DatasetPath = datasetPath.String
	t.LockedBy = lockedBy.String
	t.ErrorMessage = errorMessage.String

	if t.Headers, err = decodeKVs(headers.String); err != nil {
		return nil, err
	}
	if t.Cookies, err = decodeKVs(cookies.String); err != nil {
		return nil, err
	}
	if certFile.String != "" {
		t.CertConfig = &CertConfig{
			CertFile: certFile.String,
			KeyFile:  keyFile.String,
			Insecure: insecure.Bool,
		}
	}
	return t, nil
}
