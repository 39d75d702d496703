// Command engine is the LMeterX load-generation engine. It runs in three
// modes sharing one binary: dispatch supervises the task queue, run executes
// one claimed task, and shard executes one slice of a large task.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/dispatcher"
	"github.com/blueberrycongee/lmeterx/internal/observability"
	"github.com/blueberrycongee/lmeterx/internal/runner"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (optional, env otherwise)")
		mode       = flag.String("mode", "dispatch", "dispatch, run, or shard")
		taskID     = flag.String("task", "", "task id (run and shard modes)")
		shard      = flag.Int("shard", 0, "shard index (shard mode)")
		shards     = flag.Int("shards", 1, "total shard count (shard mode)")
	)
	flag.Parse()

	if err := run(*configPath, *mode, *taskID, *shard, *shards); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "engine: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(configPath, mode, taskID string, shard, shards int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stderr,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	st, err := store.NewPostgres(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	switch mode {
	case "dispatch":
		d := dispatcher.New(st, cfg, logger)
		go func() {
			if err := d.ServeHealth(ctx, cfg.HealthAddr, logger); err != nil {
				logger.Error("health endpoint failed", "error", err)
			}
		}()
		return d.Run(ctx)

	case "run":
		if taskID == "" {
			return errors.New("run mode requires -task")
		}
		r := runner.New(st, cfg, logger, tp.Tracer())
		return r.Run(ctx, taskID)

	case "shard":
		if taskID == "" {
			return errors.New("shard mode requires -task")
		}
		if shards < 1 || shard < 0 || shard >= shards {
			return fmt.Errorf("invalid shard %d of %d", shard, shards)
		}
		r := runner.New(st, cfg, logger, tp.Tracer())
		return r.RunShard(ctx, taskID, shard, shards, os.Stdout)

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}
