package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/dataset"
	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/internal/httpclient"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/parser"
	"github.com/blueberrycongee/lmeterx/internal/scheduler"
	"github.com/blueberrycongee/lmeterx/internal/store"
	"github.com/blueberrycongee/lmeterx/internal/vu"
)

// defaultPrompts feeds LLM tasks created without a dataset file.
var defaultPrompts = []string{
	"Explain the difference between concurrency and parallelism.",
	"Summarize the plot of a novel you would recommend to a friend.",
	"What are the trade-offs between SQL and NoSQL databases?",
	"Write a short note thanking a colleague for their help.",
}

// execConfig wires one shard's in-process run.
type execConfig struct {
	Task    *store.Task
	Profile scheduler.Profile
	Cfg     *config.Config
	Sink    metrics.SnapshotSink
	Log     *slog.Logger
	// ShardIndex offsets the dataset cursor so shards cover different slices.
	ShardIndex int
}

// execute drives the full load profile for one shard: dataset, parser,
// virtual users, scheduler, and aggregator. It returns the shard summary and
// the scheduler error (ctx.Err() when the run was cancelled early).
func execute(ctx context.Context, ec execConfig) (*metrics.Summary, error) {
	task := ec.Task
	log := ec.Log
	if log == nil {
		log = slog.Default()
	}

	ds, err := loadDataset(task, ec.Cfg, log)
	if err != nil {
		return nil, err
	}
	ds = ds.WithOffset(ec.ShardIndex)
	if ds.Skipped() > 0 {
		log.Warn("dataset lines skipped", "skipped", ds.Skipped(), "usable", ds.Len())
	}

	var mapping fieldmap.Mapping
	var prs *parser.Parser
	if task.Kind == store.KindLLM {
		user, err := parseMapping(task.FieldMapping)
		if err != nil {
			return nil, err
		}
		mapping = fieldmap.ForAPIType(task.APIType, task.StreamMode, user)
		prs = parser.New(task.APIType, task.StreamMode, mapping, task.Model, log)
	}

	clientOpts := httpclient.Options{
		Timeouts:  ec.Cfg.Client,
		Cert:      task.CertConfig,
		UploadDir: ec.Cfg.Paths.UploadDir,
	}
	// Fail fast on broken certificate material instead of once per user.
	if _, err := httpclient.New(clientOpts); err != nil {
		return nil, err
	}

	var sched *scheduler.Scheduler
	agg := metrics.NewAggregator(task.ID, ec.Profile.Users, ec.Sink,
		func() int { return sched.CurrentUsers() }, log)

	spawn := func(uctx context.Context, id int) {
		client, err := httpclient.New(clientOpts)
		if err != nil {
			log.Error("virtual user client init failed", "user", id, "error", err)
			return
		}
		defer client.CloseIdleConnections()

		u, err := vu.New(vu.Params{
			ID:      id,
			Task:    task,
			Dataset: ds,
			Parser:  prs,
			Mapping: mapping,
			Client:  client,
			Agg:     agg,
			Log:     log,
			Warmup:  func() bool { return sched.InWarmup() },
		})
		if err != nil {
			log.Error("virtual user init failed", "user", id, "error", err)
			return
		}
		u.Run(uctx)
	}

	sched = scheduler.New(ec.Profile, spawn, log)
	sched.OnState = func(st scheduler.State) {
		agg.SetWarmup(st == scheduler.StateWarmup)
	}

	// The aggregator outlives the run context so the final flush and the
	// drain-window events still persist after cancellation.
	aggCtx, aggCancel := context.WithCancel(context.Background())
	defer aggCancel()
	go agg.Run(aggCtx)

	runErr := sched.Run(ctx)

	agg.Close()
	agg.Wait()
	return agg.Summary(), runErr
}

// loadDataset resolves and loads the task's dataset. Tasks without a dataset
// file fall back to built-in prompts (LLM) or the fixed request payload
// (generic).
func loadDataset(task *store.Task, cfg *config.Config, log *slog.Logger) (*dataset.Dataset, error) {
	if task.DatasetPath == "" {
		if task.Kind == store.KindGeneric {
			return dataset.FromEntries([]dataset.Entry{
				{ID: "payload", RawPayload: []byte(task.RequestPayload)},
			}), nil
		}
		entries := make([]dataset.Entry, len(defaultPrompts))
		for i, p := range defaultPrompts {
			entries[i] = dataset.Entry{ID: fmt.Sprintf("builtin-%d", i), Prompts: []string{p}}
		}
		return dataset.FromEntries(entries), nil
	}

	path := task.DatasetPath
	if !filepath.IsAbs(path) {
		full := filepath.Join(cfg.Paths.UploadDir, path)
		if _, err := os.Stat(full); err == nil {
			path = full
		}
	}
	return dataset.Load(path, dataset.Options{
		Generic:   task.Kind == store.KindGeneric,
		ImageRoot: filepath.Dir(path),
		Logger:    log,
	})
}

func parseMapping(raw string) (fieldmap.Mapping, error) {
	var m fieldmap.Mapping
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("decode field mapping: %w", err)
	}
	return m, nil
}
