package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/weix2025/dagforge/internal/metrics"
	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
	"github.com/weix2025/dagforge/internal/scheduler"
	"github.com/weix2025/dagforge/internal/store"
)

func main() {
	var (
		dbURL       = flag.String("db", "dagforge.db", "database connection string (postgres:// or sqlite path)")
		redisAddr   = flag.String("redis", "localhost:6379", "redis address")
		metricsAddr = flag.String("metrics", ":9091", "prometheus metrics listen address")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		*dbURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
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
	logger.Info("starting scheduler worker",
		zap.String("redis", *redisAddr),
		zap.String("metrics", *metricsAddr))

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

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener exited", zap.Error(err))
		}
	}()

	sched := scheduler.New(st, bus, m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Delayed retry dispatches sit in a sorted set until due; promote
	// them onto the live compute queue on a ticker.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, key := range []string{queue.ComputeQueueKey, queue.SchedulerQueueKey} {
					if n, err := bus.PromoteDue(ctx, key); err != nil {
						logger.Warn("failed to promote delayed entries", zap.String("queue", key), zap.Error(err))
					} else if n > 0 {
						logger.Debug("promoted delayed entries", zap.String("queue", key), zap.Int("count", n))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Single consumer: scheduler events for any one workflow are
	// handled strictly in sequence. Scale by workflow partitioning, not
	// by adding consumers here.
	for ctx.Err() == nil {
		var ev model.SchedulerEvent
		err := bus.Consume(ctx, queue.SchedulerQueueKey, 5*time.Second, &ev)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("failed to consume scheduler event", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := sched.HandleEvent(ctx, ev); err != nil {
			// Transient failure: push the event back so it is retried
			// after the remaining queue drains.
			logger.Error("event handling failed, requeueing",
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err))
			if pubErr := bus.PublishDelayed(ctx, queue.SchedulerQueueKey, ev, 5*time.Second); pubErr != nil {
				logger.Error("failed to requeue event", zap.Error(pubErr))
			}
		}
	}

	logger.Info("scheduler worker stopped")
}
