// Copyright 2025 Piyush Sharma
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/api"
	"github.com/piyushgit011/image-process/internal/blobstore"
	"github.com/piyushgit011/image-process/internal/config"
	"github.com/piyushgit011/image-process/internal/gate"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/queue"
	"github.com/piyushgit011/image-process/internal/reaper"
	"github.com/piyushgit011/image-process/internal/redisclient"
	"github.com/piyushgit011/image-process/internal/stats"
	"github.com/piyushgit011/image-process/internal/worker"
)

var version = "dev"

const (
	exitOK    = 0
	exitInit  = 1
	exitPanic = 2
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			code = exitPanic
		}
	}()

	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return exitOK
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitInit
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return exitInit
	}
	defer logger.Sync()

	rdb, err := redisclient.New(cfg)
	if err != nil {
		logger.Error("redis client init failed", obs.Err(err))
		return exitInit
	}
	defer rdb.Close()

	meta, err := metastore.Open(cfg.Metadata)
	if err != nil {
		logger.Error("metadata store init failed", obs.Err(err))
		return exitInit
	}
	defer meta.Close()

	blobs, err := blobstore.NewS3(cfg.Blob, logger)
	if err != nil {
		logger.Error("blob store init failed", obs.Err(err))
		return exitInit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := waitForAdapters(ctx, rdb, meta, blobs, logger); err != nil {
		logger.Error("required adapter unreachable", obs.Err(err))
		return exitInit
	}
	if err := meta.Migrate(ctx); err != nil {
		logger.Error("schema migration failed", obs.Err(err))
		return exitInit
	}

	models := model.NewManager(
		model.HTTPLoader("vehicle", cfg.Models.VehicleEndpoint, cfg.Models.RequestTimeout),
		model.HTTPLoader("face", cfg.Models.FaceEndpoint, cfg.Models.RequestTimeout),
		cfg.Models.CarConfidenceThreshold,
		cfg.Models.FaceConfidenceThreshold,
		logger,
	)
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.MaxSize, cfg.Queue.VisibilityTimeout, logger)
	collector := stats.NewCollector()

	readiness := func(c context.Context) error {
		if err := rdb.Ping(c).Err(); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		if err := meta.Ping(c); err != nil {
			return err
		}
		return nil
	}

	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readiness)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	obs.StartQueueDepthUpdater(ctx, cfg.Observability.QueueSampleInterval, q.Depth, logger)

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(exitInit)
		case <-time.After(cfg.Worker.StepTimeout):
		}
	}()

	pool, err := worker.New(cfg, q, blobs, meta, models, collector, logger)
	if err != nil {
		logger.Error("worker pool init failed", obs.Err(err))
		return exitInit
	}
	aggregator := stats.NewAggregator(collector, meta, pool.ActiveWorkers, q.Depth)
	g := gate.New(cfg, models, blobs, meta, q, logger)
	apiSrv := api.New(g, meta, models, aggregator, q.Depth, pool.ActiveWorkers, readiness, logger)

	logger.Info("starting", obs.String("role", role), obs.String("version", version), obs.Int("workers", cfg.Worker.Count))

	switch role {
	case "api":
		srv := apiSrv.Start(cfg.API.Port)
		defer func() { _ = srv.Shutdown(context.Background()) }()
		<-ctx.Done()
	case "worker":
		rep := reaper.New(rdb, cfg.Queue.Name, 5*time.Second, logger)
		go rep.Run(ctx)
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool error", obs.Err(err))
			return exitInit
		}
	case "all":
		srv := apiSrv.Start(cfg.API.Port)
		defer func() { _ = srv.Shutdown(context.Background()) }()
		rep := reaper.New(rdb, cfg.Queue.Name, 5*time.Second, logger)
		go rep.Run(ctx)
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool error", obs.Err(err))
			return exitInit
		}
	default:
		logger.Error("unknown role", obs.String("role", role))
		return exitInit
	}

	logger.Info("shutdown complete")
	return exitOK
}

// waitForAdapters pings the queue, the metadata store and the blob
// store, retrying each up to 5 times before giving up.
func waitForAdapters(ctx context.Context, rdb *redis.Client, meta *metastore.Store, blobs *blobstore.S3Store, logger *zap.Logger) error {
	const tries = 5
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"queue", func(c context.Context) error { return rdb.Ping(c).Err() }},
		{"metadata", meta.Ping},
		{"blob", blobs.Ping},
	}
	for _, chk := range checks {
		var err error
		for attempt := 1; attempt <= tries; attempt++ {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = chk.ping(pingCtx)
			cancel()
			if err == nil {
				break
			}
			logger.Warn("adapter not ready",
				obs.String("adapter", chk.name),
				obs.Int("attempt", attempt),
				obs.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		if err != nil {
			return fmt.Errorf("%s unreachable after %d tries: %w", chk.name, tries, err)
		}
	}
	return nil
}
