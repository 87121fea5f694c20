// Command dispatcherd is the dispatch core's process entrypoint: it loads
// configuration, wires the shared Redis connection, logger and metrics
// registry, and runs the submission and file dispatcher worker pools until
// signaled to stop.
//
// The document store (submissions, results, errors, files, quota) is an
// external collaborator (spec.md §1); this binary wires store.Memory as a
// placeholder so the service is runnable standalone, the same role
// al_core/mocking/datastore.py's MockDatastore plays in the original
// implementation's own test harness. A deployment with a real backend
// supplies its own store.SubmissionStore/ResultStore/ErrorStore/FileStore/
// QuotaStore implementations in place of store.Memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/filedispatcher"
	"github.com/scriptweaver/dispatchcore/internal/logging"
	"github.com/scriptweaver/dispatchcore/internal/metrics"
	"github.com/scriptweaver/dispatchcore/internal/store"
	"github.com/scriptweaver/dispatchcore/internal/submissiondispatcher"
	"github.com/scriptweaver/dispatchcore/internal/watcher"
	"github.com/scriptweaver/dispatchcore/internal/watchregistry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("DISPATCHER_CONFIG")
	if configPath == "" {
		configPath = "dispatcher.yaml"
	}
	logLevel := os.Getenv("DISPATCHER_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	metricsAddr := os.Getenv("DISPATCHER_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	fileWorkers := 8
	submissionWorkers := 4

	log, err := logging.New(logLevel)
	if err != nil {
		return fmt.Errorf("dispatcherd: %w", err)
	}
	defer log.Sync()

	snap, err := config.NewSnapshot(func() (*config.Config, error) {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", configPath, err)
		}
		return config.Load(raw)
	})
	if err != nil {
		return fmt.Errorf("dispatcherd: initial config load: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: snap.Get().Core.Redis.Address})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	counters := metrics.NewCounters(reg)

	mem := store.NewMemory()
	watchers := watchregistry.New(rdb, watchregistry.DefaultTTL)
	w := watcher.New(rdb, "dispatchcore")

	submissionDispatcher := submissiondispatcher.New(
		rdb, snap, mem, store.FileStoreOf(mem), store.ResultStoreOf(mem), store.ErrorStoreOf(mem), mem,
		watchers, w, log, counters,
	)
	fileDispatcher := filedispatcher.New(
		rdb, snap, mem, store.ResultStoreOf(mem), store.ErrorStoreOf(mem), w, log, counters,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Run(ctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		pool := submissiondispatcher.NewPool(submissionDispatcher, submissionWorkers)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("submission pool: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		pool := filedispatcher.NewPool(fileDispatcher, rdb, fileWorkers)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("file pool: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	log.Info("dispatcherd started", zap.String("config", configPath), zap.String("metrics_addr", metricsAddr))
	return g.Wait()
}
