// Package dashboard serves the worker host's HTTP status API, the Prometheus
// endpoint and a live WebSocket event feed.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/dataset"
	"github.com/taskmgr818/worker-supervisor/internal/middleware"
	"github.com/taskmgr818/worker-supervisor/internal/pool"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
	"github.com/taskmgr818/worker-supervisor/internal/supervisor"
	"github.com/taskmgr818/worker-supervisor/internal/workers"
)

// Deps wires the dashboard to the running host. Every field except Hub may
// be nil; the matching endpoints then answer 503.
type Deps struct {
	Pool     *pool.Pool
	Streamer *supervisor.Supervisor
	Store    *dataset.Store
	Hub      *Hub
	Feed     *Feed
	Gatherer prometheus.Gatherer
	Log      *zap.SugaredLogger
}

// Server holds the HTTP and WS endpoint handlers.
type Server struct {
	deps     Deps
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	started  time.Time
}

// WorkerInfo is one supervised worker as reported by the API.
type WorkerInfo struct {
	Name    string             `json:"name"`
	Status  protocol.Status    `json:"status"`
	Error   string             `json:"error,omitempty"`
	Metrics supervisor.Metrics `json:"metrics"`
}

// TaskRequest is the body of POST /api/v1/tasks. Type defaults to ACTION.
type TaskRequest struct {
	Type    protocol.MsgType `json:"type"`
	Payload any              `json:"payload"`
}

// ActiveStream is a stream still being received.
type ActiveStream struct {
	StreamID string           `json:"streamId"`
	Worker   string           `json:"worker"`
	Progress *stream.Progress `json:"progress,omitempty"`
}

// New creates the server.
func New(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Log)
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		deps:    deps,
		log:     log,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Engine builds the gin engine with middleware and routes.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(s.log))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes on the Gin engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", s.WebSocket)

	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/health", s.Health)
		api.GET("/workers", s.Workers)
		api.POST("/workers/:name/restart", s.RestartWorker)
		api.GET("/pool", s.PoolStats)
		api.POST("/pool/restart", s.RestartPool)
		api.POST("/tasks", s.SubmitTask)
		api.GET("/streams", s.Streams)
		api.POST("/streams", s.StartStream)
		api.GET("/dataset/summary", s.DatasetSummary)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Engine(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.deps.Hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("dashboard shutdown error: %v", err)
		}
	}()

	s.log.Infof("dashboard listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health reports liveness and the overall pool status.
func (s *Server) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"viewers": s.deps.Hub.ClientCount(),
	}
	if s.deps.Pool != nil {
		resp["pool"] = s.deps.Pool.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// Workers
// ─────────────────────────────────────────────

func (s *Server) supervisors() []*supervisor.Supervisor {
	var out []*supervisor.Supervisor
	if s.deps.Pool != nil {
		out = append(out, s.deps.Pool.Supervisors()...)
	}
	if s.deps.Streamer != nil {
		out = append(out, s.deps.Streamer)
	}
	return out
}

func workerInfo(sup *supervisor.Supervisor) WorkerInfo {
	info := WorkerInfo{
		Name:    sup.Name(),
		Status:  sup.Status(),
		Metrics: sup.Metrics(),
	}
	if err := sup.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Workers lists every supervised worker with its metrics.
func (s *Server) Workers(c *gin.Context) {
	sups := s.supervisors()
	out := make([]WorkerInfo, 0, len(sups))
	for _, sup := range sups {
		out = append(out, workerInfo(sup))
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

// RestartWorker restarts a single worker by name.
func (s *Server) RestartWorker(c *gin.Context) {
	name := c.Param("name")
	for _, sup := range s.supervisors() {
		if sup.Name() != name {
			continue
		}
		s.log.Infof("manual restart of %s requested", name)
		if err := sup.Restart(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, workerInfo(sup))
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker " + name})
}

// ─────────────────────────────────────────────
// Pool
// ─────────────────────────────────────────────

// PoolStats returns the pool snapshot.
func (s *Server) PoolStats(c *gin.Context) {
	if s.deps.Pool == nil {
		unavailable(c, "pool")
		return
	}
	c.JSON(http.StatusOK, s.deps.Pool.Stats())
}

// RestartPool restarts every pool worker. Pending tasks are rejected.
func (s *Server) RestartPool(c *gin.Context) {
	if s.deps.Pool == nil {
		unavailable(c, "pool")
		return
	}
	s.log.Info("manual pool restart requested")
	if err := s.deps.Pool.Restart(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Pool.Stats())
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks
// ─────────────────────────────────────────────

// SubmitTask runs one message through the pool and returns the worker's
// response.
//
//	@Param    body  body  TaskRequest  true  "Message to send"
//	@Success  200   {object}  protocol.Outbound
//	@Failure  400   "Invalid message type"
//	@Failure  502   "Worker failed"
//	@Failure  503   "Pool terminated"
//	@Failure  504   "Task timed out"
func (s *Server) SubmitTask(c *gin.Context) {
	if s.deps.Pool == nil {
		unavailable(c, "pool")
		return
	}

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = protocol.MsgAction
	}
	switch req.Type {
	case protocol.MsgTerminate, protocol.MsgHealthCheck:
		c.JSON(http.StatusBadRequest, gin.H{"error": "message type " + string(req.Type) + " cannot be submitted as a task"})
		return
	}

	r := s.deps.Pool.Do(c.Request.Context(), protocol.Inbound{Type: req.Type, Payload: req.Payload})
	if s.deps.Feed != nil {
		s.deps.Feed.Task(r.TaskID, req.Type, r.Err)
	}
	if r.Err != nil {
		c.JSON(taskStatus(r.Err), gin.H{"id": r.TaskID, "error": r.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": r.TaskID, "response": r.Message})
}

func taskStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pool.ErrPoolTerminated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

// ─────────────────────────────────────────────
// Streams
// ─────────────────────────────────────────────

// StartStream asks the dataset worker to stream records. The response is
// sent as soon as the request is posted; progress arrives on the feed.
func (s *Server) StartStream(c *gin.Context) {
	if s.deps.Streamer == nil {
		unavailable(c, "streamer")
		return
	}

	var req workers.StreamRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}

	sup := s.deps.Streamer
	if !sup.Status().Active() {
		if err := sup.Start(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}
	err := sup.PostMessage(protocol.Inbound{Type: protocol.MsgAction, ID: uuid.NewString(), Payload: req})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"streamId": req.StreamID, "worker": sup.Name()})
}

// Streams lists streams in flight and the most recent completed runs.
func (s *Server) Streams(c *gin.Context) {
	resp := gin.H{}

	active := []ActiveStream{}
	if sup := s.deps.Streamer; sup != nil {
		col := sup.Collector()
		for _, id := range col.Streams() {
			as := ActiveStream{StreamID: id, Worker: sup.Name()}
			if p, ok := col.Progress(id); ok {
				as.Progress = &p
			}
			active = append(active, as)
		}
	}
	resp["active"] = active

	if s.deps.Store != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := s.deps.Store.RecentRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []dataset.Run{}
		}
		resp["recent"] = runs
	}
	c.JSON(http.StatusOK, resp)
}

// DatasetSummary returns aggregate statistics over the dataset.
func (s *Server) DatasetSummary(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "dataset")
		return
	}
	sum, err := s.deps.Store.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ─────────────────────────────────────────────
// GET /ws
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and subscribes it to the event feed.
func (s *Server) WebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	newClient(conn, s.deps.Hub).run()
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
