// Package metrics exports supervisor and pool activity to Prometheus.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

const namespace = "worker_supervisor"

// Task outcomes recorded by the pool.
const (
	OutcomeResolved   = "resolved"
	OutcomeTimeout    = "timeout"
	OutcomeFailed     = "failed"
	OutcomeTerminated = "terminated"
)

var statuses = []protocol.Status{
	protocol.StatusIdle,
	protocol.StatusStarting,
	protocol.StatusRunning,
	protocol.StatusError,
	protocol.StatusWarning,
	protocol.StatusTerminating,
}

// Collectors holds the Prometheus metrics shared by every supervisor and
// pool in the process.
type Collectors struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	responseTime     *prometheus.HistogramVec
	status           *prometheus.GaugeVec
	faults           *prometheus.CounterVec
	streamChunks     *prometheus.CounterVec

	queueDepth  *prometheus.GaugeVec
	busyWorkers *prometheus.GaugeVec
	tasks       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// returns a nil *Collectors, which disables metrics.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		return nil, nil
	}

	c := &Collectors{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages posted to workers",
		}, []string{"worker"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from workers by type",
		}, []string{"worker", "type"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_time_seconds",
			Help:      "Latency between a request and its result message",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"worker"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_status",
			Help:      "1 for the worker's current status, 0 otherwise",
		}, []string{"worker", "status"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Worker failures by cause",
		}, []string{"worker", "cause"}),
		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks received from workers",
		}, []string{"worker"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Tasks waiting for a free worker",
		}, []string{"pool"}),
		busyWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_busy_workers",
			Help:      "Workers with a task in flight",
		}, []string{"pool"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_total",
			Help:      "Pool tasks by outcome",
		}, []string{"pool", "outcome"}),
	}

	var err error
	if c.messagesSent, err = register(reg, c.messagesSent); err != nil {
		return nil, err
	}
	if c.messagesReceived, err = register(reg, c.messagesReceived); err != nil {
		return nil, err
	}
	if c.responseTime, err = register(reg, c.responseTime); err != nil {
		return nil, err
	}
	if c.status, err = register(reg, c.status); err != nil {
		return nil, err
	}
	if c.faults, err = register(reg, c.faults); err != nil {
		return nil, err
	}
	if c.streamChunks, err = register(reg, c.streamChunks); err != nil {
		return nil, err
	}
	if c.queueDepth, err = register(reg, c.queueDepth); err != nil {
		return nil, err
	}
	if c.busyWorkers, err = register(reg, c.busyWorkers); err != nil {
		return nil, err
	}
	if c.tasks, err = register(reg, c.tasks); err != nil {
		return nil, err
	}
	return c, nil
}

// register adds col to reg, reusing the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// ─────────────────────────────────────────────
// Worker
// ─────────────────────────────────────────────

func (c *Collectors) MessageSent(worker string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(worker).Inc()
}

func (c *Collectors) MessageReceived(worker string, t protocol.MsgType) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(worker, string(t)).Inc()
	if t == protocol.MsgStreamChunk {
		c.streamChunks.WithLabelValues(worker).Inc()
	}
}

func (c *Collectors) ObserveResponse(worker string, d time.Duration) {
	if c == nil {
		return
	}
	c.responseTime.WithLabelValues(worker).Observe(d.Seconds())
}

// SetStatus marks status as the worker's only current status.
func (c *Collectors) SetStatus(worker string, status protocol.Status) {
	if c == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(worker, string(s)).Set(v)
	}
}

func (c *Collectors) WorkerFailed(worker, cause string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(worker, cause).Inc()
}

// ─────────────────────────────────────────────
// Pool
// ─────────────────────────────────────────────

func (c *Collectors) SetQueueDepth(pool string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(pool).Set(float64(n))
}

func (c *Collectors) SetBusyWorkers(pool string, n int) {
	if c == nil {
		return
	}
	c.busyWorkers.WithLabelValues(pool).Set(float64(n))
}

func (c *Collectors) TaskFinished(pool, outcome string) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(pool, outcome).Inc()
}
