package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/worker-supervisor/internal/config"
	"github.com/taskmgr818/worker-supervisor/internal/dataset"
	"github.com/taskmgr818/worker-supervisor/internal/logger"
	"github.com/taskmgr818/worker-supervisor/internal/middleware"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
	"github.com/taskmgr818/worker-supervisor/internal/substrate/inproc"
	"github.com/taskmgr818/worker-supervisor/internal/substrate/wsbridge"
	"github.com/taskmgr818/worker-supervisor/internal/workers"
)

const (
	seedRecords    = 1000
	healthInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.For("main").Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	log := logger.For("agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := dataset.Open(cfg.Dataset.Path)
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}
	defer store.Close()
	if err := store.Seed(ctx, seedRecords); err != nil {
		log.Fatalf("failed to seed dataset: %v", err)
	}

	registry := inproc.NewRegistry()
	plan := stream.Plan{ItemsPerChunk: cfg.Stream.ItemsPerChunk}
	if cfg.Stream.MaxChunkBytes > 0 {
		plan = stream.Plan{MaxBytes: cfg.Stream.MaxChunkBytes}
	}
	workers.Register(registry, workers.Deps{
		Store:          store,
		StreamInterval: cfg.Stream.Interval,
		Plan:           plan,
		HealthInterval: healthInterval,
		Log:            logger.For("worker"),
	})

	opts := []wsbridge.AgentOption{
		wsbridge.WithAgentLogger(log),
		wsbridge.WithAgentMaxMessageSize(cfg.Agent.MaxMessageBytes),
	}
	if token := cfg.Agent.AuthToken; token != "" {
		opts = append(opts, wsbridge.WithAuthorizer(func(r *http.Request) bool {
			return subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Auth-Token")), []byte(token)) == 1
		}))
	}
	agent := wsbridge.NewAgent(registry.Lookup, opts...)

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger.For("http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "programs": registry.Names()})
	})
	r.GET("/workers/:name", gin.WrapH(agent))

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.Agent.Address,
		Handler: r,
	}

	go func() {
		log.Infow("agent listening", "address", cfg.Agent.Address, "programs", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent...")
	cancel()

	// hijacked worker connections are not tracked by Shutdown; they close
	// when the host goes away or the process exits
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("agent shutdown error: %v", err)
	}
	log.Info("agent exited cleanly")
}
