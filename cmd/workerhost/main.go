package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/config"
	"github.com/taskmgr818/worker-supervisor/internal/dashboard"
	"github.com/taskmgr818/worker-supervisor/internal/dataset"
	"github.com/taskmgr818/worker-supervisor/internal/logger"
	"github.com/taskmgr818/worker-supervisor/internal/metrics"
	"github.com/taskmgr818/worker-supervisor/internal/pool"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
	"github.com/taskmgr818/worker-supervisor/internal/substrate/inproc"
	"github.com/taskmgr818/worker-supervisor/internal/substrate/wsbridge"
	"github.com/taskmgr818/worker-supervisor/internal/supervisor"
	"github.com/taskmgr818/worker-supervisor/internal/workers"
)

const (
	seedRecords    = 1000
	healthInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults and environment only when empty)")
	flag.Parse()

	// ── Configuration ──
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.For("main").Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	log := logger.For("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	// ── Dataset ──
	store, err := dataset.Open(cfg.Dataset.Path)
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}
	defer store.Close()
	if err := store.Seed(ctx, seedRecords); err != nil {
		log.Fatalf("failed to seed dataset: %v", err)
	}
	log.Infof("dataset ready at %s", cfg.Dataset.Path)

	// ── Worker programs ──
	registry := inproc.NewRegistry()
	workers.Register(registry, workers.Deps{
		Store:          store,
		StreamInterval: cfg.Stream.Interval,
		Plan:           streamPlan(cfg),
		HealthInterval: healthInterval,
		Log:            logger.For("worker"),
	})
	spawnerFor := func(program string) substrate.Spawner {
		if cfg.Worker.Substrate == config.SubstrateWebSocket {
			header := http.Header{}
			if cfg.Worker.AuthToken != "" {
				header.Set("X-Auth-Token", cfg.Worker.AuthToken)
			}
			return wsbridge.NewDialer(strings.TrimSuffix(cfg.Worker.URL, "/")+"/"+program,
				wsbridge.WithHeader(header),
				wsbridge.WithMaxMessageSize(cfg.Worker.MaxMessageBytes),
				wsbridge.WithDialLogger(logger.For("wsbridge")))
		}
		return registry.Spawner(program)
	}
	workerCfg := supervisor.Config{
		IdleTimeout:     cfg.Supervisor.IdleTimeout,
		InitTimeout:     cfg.Supervisor.InitTimeout,
		KeepAlive:       cfg.Supervisor.KeepAlive,
		RestartDelay:    cfg.Supervisor.RestartDelay,
		MetricsInterval: cfg.Supervisor.MetricsInterval,
	}

	// ── Live feed ──
	hub := dashboard.NewHub(logger.For("dashboard"))
	feed := dashboard.NewFeed(hub, store, logger.For("dashboard"))

	// ── Pool ──
	p, err := pool.New(spawnerFor(cfg.Worker.Program), pool.Config{
		Size:        cfg.Pool.Size,
		TaskTimeout: cfg.Pool.TaskTimeout,
		WarmUp:      cfg.Pool.WarmUp,
		WarmUpDelay: cfg.Pool.WarmUpDelay,
		Worker:      workerCfg,
	}, append(feed.PoolOptions(),
		pool.WithLogger(logger.For("pool")),
		pool.WithMetrics(mc),
	)...)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		log.Warnf("pool started with failures: %v", err)
	}

	// ── Dataset streamer ──
	streamerCfg := workerCfg
	streamerCfg.Name = workers.Dataset
	streamer, err := supervisor.New(spawnerFor(workers.Dataset), streamerCfg,
		append(feed.SupervisorOptions(workers.Dataset),
			supervisor.WithLogger(logger.For("streamer")),
			supervisor.WithMetrics(mc),
		)...)
	if err != nil {
		log.Fatalf("failed to create streamer: %v", err)
	}

	// ── Dashboard ──
	dashDone := make(chan struct{})
	if cfg.Dashboard.Enabled {
		gin.SetMode(gin.ReleaseMode)
		srv := dashboard.New(dashboard.Deps{
			Pool:     p,
			Streamer: streamer,
			Store:    store,
			Hub:      hub,
			Feed:     feed,
			Gatherer: reg,
			Log:      logger.For("dashboard"),
		})
		go func() {
			defer close(dashDone)
			if err := srv.Run(ctx, cfg.Dashboard.Address); err != nil {
				log.Errorf("dashboard stopped: %v", err)
			}
		}()
	} else {
		close(dashDone)
	}

	log.Infow("worker host started",
		"substrate", cfg.Worker.Substrate,
		"program", cfg.Worker.Program,
		"pool_size", cfg.Pool.Size,
		"dashboard", cfg.Dashboard.Enabled,
	)

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")
	cancel()
	shutdown(log, dashDone, p, streamer)
	log.Info("worker host stopped")
}

func shutdown(log *zap.SugaredLogger, dashDone <-chan struct{}, p *pool.Pool, streamer *supervisor.Supervisor) {
	select {
	case <-dashDone:
	case <-time.After(10 * time.Second):
		log.Warn("dashboard did not stop in time")
	}
	streamer.Terminate()
	p.Terminate()
}

func streamPlan(cfg *config.Config) stream.Plan {
	if cfg.Stream.MaxChunkBytes > 0 {
		return stream.Plan{MaxBytes: cfg.Stream.MaxChunkBytes}
	}
	return stream.Plan{ItemsPerChunk: cfg.Stream.ItemsPerChunk}
}
