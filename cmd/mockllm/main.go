// Command mockllm serves a mock LLM endpoint for local engine testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueberrycongee/lmeterx/internal/mockllm"
	"github.com/blueberrycongee/lmeterx/internal/observability"
)

func main() {
	var (
		addr       = flag.String("addr", ":8090", "listen address")
		latency    = flag.Duration("latency", 10*time.Millisecond, "time to first byte")
		chunkDelay = flag.Duration("chunk-delay", 5*time.Millisecond, "delay between streamed chunks")
		errorRate  = flag.Float64("error-rate", 0, "probability of a 500 response")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     os.Stderr,
		JSONFormat: true,
	})
	slog.SetDefault(logger)

	srv := mockllm.NewServer()
	srv.Latency = *latency
	srv.ChunkDelay = *chunkDelay
	srv.ErrorRate = *errorRate

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("mock LLM listening", "addr", *addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "mockllm: %v\n", err)
		os.Exit(1)
	}
	logger.Info("mock LLM stopped", "requests", srv.RequestCount.Load())
}
