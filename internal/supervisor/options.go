package supervisor

import (
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/metrics"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
)

const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultRestartDelay    = 100 * time.Millisecond
	DefaultMetricsInterval = time.Second
)

// Config controls a Supervisor's timers.
type Config struct {
	// Name labels logs and metrics. Defaults to "worker".
	Name string

	// IdleTimeout reclaims a worker after this long without a send or
	// receive. Ignored when KeepAlive is set.
	IdleTimeout time.Duration
	KeepAlive   bool

	// InitTimeout fails the worker if READY does not arrive in time.
	// Zero disables it.
	InitTimeout time.Duration

	RestartDelay    time.Duration
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	return c
}

type callbacks struct {
	onReady          func()
	onError          func(err error)
	onStatusChange   func(from, to protocol.Status)
	onStreamChunk    func(chunk protocol.StreamChunk, progress stream.Progress)
	onStreamComplete func(streamID string, data []any)
	onStreamError    func(streamID, reason string)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Worker LOG messages are re-emitted on it.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithMetrics exports activity to Prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Supervisor) { s.collectors = c }
}

// OnReady is called every time the worker sends READY.
func OnReady(fn func()) Option {
	return func(s *Supervisor) { s.cb.onReady = fn }
}

// OnError is called when the worker fails: spawn failure, init timeout,
// protocol ERROR or transport fault.
func OnError(fn func(err error)) Option {
	return func(s *Supervisor) { s.cb.onError = fn }
}

// OnStatusChange is called after every status transition.
func OnStatusChange(fn func(from, to protocol.Status)) Option {
	return func(s *Supervisor) { s.cb.onStatusChange = fn }
}

// OnStreamChunk is called for every chunk the collector accepts.
func OnStreamChunk(fn func(chunk protocol.StreamChunk, progress stream.Progress)) Option {
	return func(s *Supervisor) { s.cb.onStreamChunk = fn }
}

// OnStreamComplete is called once per stream with the reassembled data.
func OnStreamComplete(fn func(streamID string, data []any)) Option {
	return func(s *Supervisor) { s.cb.onStreamComplete = fn }
}

// OnStreamError is called when the worker aborts a stream.
func OnStreamError(fn func(streamID, reason string)) Option {
	return func(s *Supervisor) { s.cb.onStreamError = fn }
}
