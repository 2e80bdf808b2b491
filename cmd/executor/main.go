package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/weix2025/dagforge/internal/executor"
	"github.com/weix2025/dagforge/internal/metrics"
	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
	"github.com/weix2025/dagforge/internal/sandbox"
	"github.com/weix2025/dagforge/internal/store"
)

func main() {
	var (
		dbURL       = flag.String("db", "dagforge.db", "database connection string (postgres:// or sqlite path)")
		redisAddr   = flag.String("redis", "localhost:6379", "redis address")
		sharedFS    = flag.String("shared-fs", "/var/lib/dagforge", "shared filesystem root for WASM workspaces")
		workers     = flag.Int("workers", 4, "number of concurrent group consumers")
		fuel        = flag.Uint64("fuel", sandbox.DefaultFuel, "fuel budget per WASM invocation")
		wallClock   = flag.Duration("wall-clock", sandbox.DefaultWallClock, "wall-clock limit per WASM invocation")
		metricsAddr = flag.String("metrics", ":9092", "prometheus metrics listen address")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		*dbURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
	}
	if v := os.Getenv("SHARED_FS_ROOT"); v != "" {
		*sharedFS = v
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		*debug = true
	}

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	workerID := uuid.NewString()
	logger = logger.With(zap.String("worker_id", workerID))
	logger.Info("starting executor worker",
		zap.String("redis", *redisAddr),
		zap.String("shared_fs", *sharedFS),
		zap.Int("workers", *workers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(*dbURL)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	bus, err := queue.New(ctx, queue.Config{Addr: *redisAddr}, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer bus.Close()

	sb, err := sandbox.New(sandbox.Options{Fuel: *fuel, WallClock: *wallClock}, logger)
	if err != nil {
		logger.Fatal("failed to initialize sandbox", zap.Error(err))
	}
	defer sb.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener exited", zap.Error(err))
		}
	}()

	exec := executor.New(st, bus, sb, *sharedFS, m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			consumeLoop(ctx, bus, exec, logger.With(zap.Int("consumer", n)))
		}(i)
	}
	wg.Wait()

	logger.Info("executor worker stopped")
}

func consumeLoop(ctx context.Context, bus *queue.Bus, exec *executor.Executor, logger *zap.Logger) {
	for ctx.Err() == nil {
		var payload model.GroupPayload
		err := bus.Consume(ctx, queue.ComputeQueueKey, 5*time.Second, &payload)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to consume group payload", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		logger.Info("group received", zap.String("group_id", payload.GroupID), zap.Int("tasks", len(payload.Tasks)))
		if err := exec.ExecuteGroup(ctx, payload); err != nil {
			logger.Error("group execution failed", zap.String("group_id", payload.GroupID), zap.Error(err))
		}
	}
}
