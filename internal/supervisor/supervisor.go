// Package supervisor owns the lifecycle of a single worker: spawning it,
// tracking its state from the messages it sends, reclaiming it when idle and
// tearing it down on failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/metrics"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
)

var (
	// ErrNoWorker is returned by PostMessage when no worker is active.
	ErrNoWorker = errors.New("no active worker")
	// ErrUnsupported is returned by New when no substrate is available.
	ErrUnsupported = errors.New("worker substrate unsupported")
	// ErrWorkerFailed wraps protocol errors and transport faults.
	ErrWorkerFailed = errors.New("worker failed")
	// ErrInitTimeout is recorded when READY does not arrive in time.
	ErrInitTimeout = errors.New("worker init timeout")
	// ErrStartAborted is returned by Start when the supervisor was
	// terminated or restarted while the worker was being spawned.
	ErrStartAborted = errors.New("worker start aborted")
)

// ─────────────────────────────────────────────
// State machine
// ─────────────────────────────────────────────

const (
	eventStart     = "start"
	eventReady     = "ready"
	eventWarn      = "warn"
	eventRecover   = "recover"
	eventFail      = "fail"
	eventTerminate = "terminate"
	eventReset     = "reset"
)

func states(ss ...protocol.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

var transitions = fsm.Events{
	{Name: eventStart, Src: states(protocol.StatusIdle), Dst: string(protocol.StatusStarting)},
	{Name: eventReady, Src: states(protocol.StatusStarting, protocol.StatusRunning, protocol.StatusWarning), Dst: string(protocol.StatusRunning)},
	{Name: eventWarn, Src: states(protocol.StatusRunning, protocol.StatusWarning), Dst: string(protocol.StatusWarning)},
	{Name: eventRecover, Src: states(protocol.StatusWarning), Dst: string(protocol.StatusRunning)},
	{Name: eventFail, Src: states(protocol.StatusStarting, protocol.StatusRunning, protocol.StatusWarning), Dst: string(protocol.StatusError)},
	{Name: eventTerminate, Src: states(protocol.StatusStarting, protocol.StatusRunning, protocol.StatusWarning, protocol.StatusError), Dst: string(protocol.StatusTerminating)},
	{Name: eventReset, Src: states(protocol.StatusTerminating), Dst: string(protocol.StatusIdle)},
}

type finishedStream struct {
	id   string
	data []any
}

type listener struct {
	id uint64
	fn func(protocol.Outbound)
}

// Supervisor manages one worker.
type Supervisor struct {
	cfg        Config
	spawner    substrate.Spawner
	log        *zap.SugaredLogger
	collectors *metrics.Collectors
	cb         callbacks
	collector  *stream.Collector

	mu       sync.Mutex
	machine  *fsm.FSM
	handle   substrate.Handle
	gen      uint64
	ready    bool // READY seen from the current worker
	err      error
	stats    *tracker
	snapshot Metrics
	notes    []func()

	idleTimer   *time.Timer
	idleSeq     uint64
	initTimer   *time.Timer
	metricsStop chan struct{}

	finishedMu sync.Mutex
	finished   []finishedStream

	listenersMu  sync.RWMutex
	listeners    []listener
	nextListener uint64
}

// New returns an idle Supervisor that creates its worker through spawner.
func New(spawner substrate.Spawner, cfg Config, opts ...Option) (*Supervisor, error) {
	if spawner == nil {
		return nil, ErrUnsupported
	}

	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		spawner: spawner,
		log:     zap.NewNop().Sugar(),
		stats:   newTracker(time.Now()),
	}
	for _, opt := range opts {
		opt(s)
	}

	// completions are held back until the final chunk has been reported
	s.collector = stream.NewCollector(func(streamID string, data []any) {
		s.finishedMu.Lock()
		s.finished = append(s.finished, finishedStream{id: streamID, data: data})
		s.finishedMu.Unlock()
	})

	s.machine = fsm.NewFSM(
		string(protocol.StatusIdle),
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.enterState(protocol.Status(e.Src), protocol.Status(e.Dst))
			},
		},
	)
	s.collectors.SetStatus(s.cfg.Name, protocol.StatusIdle)

	return s, nil
}

// Name returns the name used in logs and metrics.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Status returns the current lifecycle state.
func (s *Supervisor) Status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Ready reports whether the current worker has sent READY. A worker that
// warns before READY stays in starting and is not ready.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.statusLocked().Active()
}

// Err returns the reason for the last failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Metrics returns the latest metrics snapshot.
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Collector exposes the stream collector fed by this worker, for progress
// queries. Only the supervisor adds chunks to it.
func (s *Supervisor) Collector() *stream.Collector { return s.collector }

// ─────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────

// Start spawns a new worker. A worker that is already present is torn down
// first. Spawn failures put the supervisor into the error state, fire the
// error callback and are returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.statusLocked() != protocol.StatusIdle {
		s.terminateLocked()
	}

	now := time.Now()
	s.err = nil
	s.ready = false
	s.stats = newTracker(now)
	s.snapshot = s.stats.snapshot(now)
	s.collector.Reset()
	s.finishedMu.Lock()
	s.finished = nil
	s.finishedMu.Unlock()
	s.gen++
	gen := s.gen
	s.fire(eventStart)
	notes := s.takeNotesLocked()
	s.mu.Unlock()
	s.run(notes)

	s.log.Infof("starting worker %s", s.cfg.Name)
	h, spawnErr := s.spawner.Spawn(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if h != nil {
			h.Terminate()
		}
		return ErrStartAborted
	}
	if spawnErr != nil {
		s.log.Errorf("%s", substrate.Describe(spawnErr))
		s.collectors.WorkerFailed(s.cfg.Name, string(substrate.Classify(spawnErr)))
		s.failLocked(spawnErr)
		notes = s.takeNotesLocked()
		s.mu.Unlock()
		s.run(notes)
		return spawnErr
	}

	s.handle = h
	s.armIdleLocked()
	if s.cfg.InitTimeout > 0 {
		s.initTimer = time.AfterFunc(s.cfg.InitTimeout, func() { s.onInitTimeout(gen) })
	}
	s.metricsStop = make(chan struct{})
	go s.refreshLoop(gen, s.metricsStop)
	go s.pump(gen, h)
	s.mu.Unlock()

	return nil
}

// Terminate destroys the worker. The supervisor passes through terminating
// and is idle when Terminate returns. Terminate does not wait for a listener
// or stream callback already running, so a message whose delivery began
// before the call may still reach listeners after it returns. Nothing that
// arrives afterwards does.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	s.terminateLocked()
	notes := s.takeNotesLocked()
	s.mu.Unlock()
	s.run(notes)
}

// Restart terminates the worker, waits RestartDelay and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Terminate()

	timer := time.NewTimer(s.cfg.RestartDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Start(ctx)
}

// PostMessage forwards msg to the worker without blocking. It returns
// ErrNoWorker when no worker is active.
func (s *Supervisor) PostMessage(msg protocol.Inbound) error {
	s.mu.Lock()
	if s.handle == nil || !s.statusLocked().Active() {
		status := s.statusLocked()
		s.mu.Unlock()
		s.log.Warnf("dropping %s for %s: no active worker (status %s)", msg.Type, s.cfg.Name, status)
		return ErrNoWorker
	}

	s.stats.recordSent(msg, time.Now())
	s.armIdleLocked()
	h := s.handle
	err := h.Post(msg)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("post %s: %w", msg.Type, err)
	}
	s.collectors.MessageSent(s.cfg.Name)
	return nil
}

// OnMessage registers fn for every message the worker sends. Listeners run
// in registration order after the supervisor has processed the message.
// The returned function removes the listener.
func (s *Supervisor) OnMessage(fn func(protocol.Outbound)) func() {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ─────────────────────────────────────────────
// Message pump
// ─────────────────────────────────────────────

// pump delivers one worker's events in order until the worker is replaced
// or its event channel closes.
func (s *Supervisor) pump(gen uint64, h substrate.Handle) {
	for ev := range h.Events() {
		if !s.handleEvent(gen, ev) {
			return
		}
	}
}

func (s *Supervisor) handleEvent(gen uint64, ev substrate.Event) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}

	if ev.Fault != nil {
		s.log.Errorf("worker %s fault: %v", s.cfg.Name, ev.Fault)
		s.collectors.WorkerFailed(s.cfg.Name, "fault")
		s.failLocked(fmt.Errorf("%w: %v", ErrWorkerFailed, ev.Fault))
		notes := s.takeNotesLocked()
		s.mu.Unlock()
		s.run(notes)
		return false
	}

	msg := ev.Message
	now := time.Now()
	if latency, ok := s.stats.recordReceived(msg, now); ok {
		s.collectors.ObserveResponse(s.cfg.Name, latency)
	}
	s.collectors.MessageReceived(s.cfg.Name, msg.Type)
	s.armIdleLocked()

	switch msg.Type {
	case protocol.MsgReady:
		s.stopInitTimerLocked()
		s.ready = true
		s.fire(eventReady)
		if s.cb.onReady != nil {
			s.notes = append(s.notes, s.cb.onReady)
		}

	case protocol.MsgError:
		s.log.Errorf("worker %s reported error: %s", s.cfg.Name, msg.Reason)
		s.collectors.WorkerFailed(s.cfg.Name, "error")
		s.failLocked(fmt.Errorf("%w: %s", ErrWorkerFailed, msg.Reason))

	case protocol.MsgWarning:
		s.log.Warnf("worker %s warning: %s", s.cfg.Name, msg.Reason)
		s.fire(eventWarn)

	case protocol.MsgHealth:
		switch {
		case msg.Health == protocol.HealthDegraded:
			s.fire(eventWarn)
		case msg.Health == protocol.HealthHealthy && s.ready && s.statusLocked() == protocol.StatusWarning:
			s.fire(eventRecover)
		}

	case protocol.MsgTerminated:
		s.log.Infof("worker %s terminated itself", s.cfg.Name)
		s.terminateLocked()

	case protocol.MsgLog:
		s.forwardLog(msg)

	case protocol.MsgStreamChunk:
		s.collector.AddChunk(msg.Chunk())

	case protocol.MsgStreamError:
		s.collector.Discard(msg.StreamID)
	}

	s.snapshot = s.stats.snapshot(now)
	current := gen == s.gen
	after := s.gen
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	s.run(notes)

	// a Terminate or Start that ran while callbacks fired owns the
	// supervisor now; the message is not fanned out
	s.mu.Lock()
	live := after == s.gen
	s.mu.Unlock()
	if !live {
		return false
	}
	s.handleStream(msg)
	s.notify(msg)
	return current
}

func (s *Supervisor) handleStream(msg protocol.Outbound) {
	switch msg.Type {
	case protocol.MsgStreamChunk:
		chunk := msg.Chunk()
		if s.cb.onStreamChunk != nil {
			progress, ok := s.collector.Progress(chunk.StreamID)
			if !ok {
				progress = stream.Progress{
					StreamID:    chunk.StreamID,
					Received:    chunk.TotalChunks,
					TotalChunks: chunk.TotalChunks,
					Percent:     100,
				}
			}
			s.safeCall("stream chunk callback", func() { s.cb.onStreamChunk(chunk, progress) })
		}
		s.flushFinished()

	case protocol.MsgStreamComplete:
		if p, ok := s.collector.Progress(msg.StreamID); ok {
			s.log.Warnf("stream %s completed with %d of %d chunks", msg.StreamID, p.Received, p.TotalChunks)
		}

	case protocol.MsgStreamError:
		s.log.Warnf("stream %s failed: %s", msg.StreamID, msg.Error)
		if s.cb.onStreamError != nil {
			s.safeCall("stream error callback", func() { s.cb.onStreamError(msg.StreamID, msg.Error) })
		}
	}
}

func (s *Supervisor) flushFinished() {
	s.finishedMu.Lock()
	done := s.finished
	s.finished = nil
	s.finishedMu.Unlock()

	for _, f := range done {
		s.log.Debugf("stream %s complete (%d items)", f.id, len(f.data))
		if s.cb.onStreamComplete != nil {
			s.safeCall("stream complete callback", func() { s.cb.onStreamComplete(f.id, f.data) })
		}
	}
}

func (s *Supervisor) notify(msg protocol.Outbound) {
	s.listenersMu.RLock()
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range ls {
		s.safeCall("message listener", func() { l.fn(msg) })
	}
}

func (s *Supervisor) forwardLog(msg protocol.Outbound) {
	kv := []any{"worker", s.cfg.Name}
	if msg.Data != nil {
		kv = append(kv, "data", msg.Data)
	}
	switch msg.Level {
	case protocol.LogDebug:
		s.log.Debugw(msg.Message, kv...)
	case protocol.LogWarn:
		s.log.Warnw(msg.Message, kv...)
	case protocol.LogError:
		s.log.Errorw(msg.Message, kv...)
	default:
		s.log.Infow(msg.Message, kv...)
	}
}

// ─────────────────────────────────────────────
// Timers
// ─────────────────────────────────────────────

func (s *Supervisor) armIdleLocked() {
	if s.cfg.KeepAlive || s.handle == nil {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleSeq++
	gen, seq := s.gen, s.idleSeq
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() { s.onIdle(gen, seq) })
}

func (s *Supervisor) onIdle(gen, seq uint64) {
	s.mu.Lock()
	if gen != s.gen || seq != s.idleSeq || !s.statusLocked().Active() {
		s.mu.Unlock()
		return
	}
	s.log.Infof("worker %s idle for %v, reclaiming", s.cfg.Name, s.cfg.IdleTimeout)
	s.terminateLocked()
	notes := s.takeNotesLocked()
	s.mu.Unlock()
	s.run(notes)
}

func (s *Supervisor) onInitTimeout(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.ready {
		s.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: no READY within %v", ErrInitTimeout, s.cfg.InitTimeout)
	s.log.Errorf("worker %s: %v", s.cfg.Name, err)
	s.collectors.WorkerFailed(s.cfg.Name, "init_timeout")
	s.failLocked(err)
	notes := s.takeNotesLocked()
	s.mu.Unlock()
	s.run(notes)
}

func (s *Supervisor) stopInitTimerLocked() {
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
}

func (s *Supervisor) refreshLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			if gen == s.gen {
				s.snapshot = s.stats.snapshot(now)
			}
			s.mu.Unlock()
		}
	}
}

// ─────────────────────────────────────────────
// Teardown
// ─────────────────────────────────────────────

// destroyLocked releases the worker and every timer bound to it. Messages
// and timers from the destroyed worker are ignored from here on.
func (s *Supervisor) destroyLocked() {
	s.gen++
	s.stopInitTimerLocked()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.metricsStop != nil {
		close(s.metricsStop)
		s.metricsStop = nil
	}
	if s.handle != nil {
		s.handle.Terminate()
		s.handle = nil
	}
	s.snapshot = s.stats.snapshot(time.Now())
}

func (s *Supervisor) failLocked(err error) {
	s.err = err
	s.fire(eventFail)
	s.destroyLocked()
	if s.cb.onError != nil {
		s.notes = append(s.notes, func() { s.cb.onError(err) })
	}
}

func (s *Supervisor) terminateLocked() {
	if s.statusLocked() == protocol.StatusIdle {
		return
	}
	s.fire(eventTerminate)
	s.destroyLocked()
	s.collector.Reset()
	s.finishedMu.Lock()
	s.finished = nil
	s.finishedMu.Unlock()
	s.fire(eventReset)
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *Supervisor) statusLocked() protocol.Status {
	return protocol.Status(s.machine.Current())
}

// fire applies a state machine event. Events that do not apply in the
// current state are ignored.
func (s *Supervisor) fire(event string) {
	err := s.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	s.log.Debugf("worker %s: ignoring %s in state %s", s.cfg.Name, event, s.machine.Current())
}

// enterState runs inside the state machine with s.mu held.
func (s *Supervisor) enterState(from, to protocol.Status) {
	s.log.Debugf("worker %s: %s -> %s", s.cfg.Name, from, to)
	s.collectors.SetStatus(s.cfg.Name, to)
	if s.cb.onStatusChange != nil {
		s.notes = append(s.notes, func() { s.cb.onStatusChange(from, to) })
	}
}

func (s *Supervisor) takeNotesLocked() []func() {
	notes := s.notes
	s.notes = nil
	return notes
}

func (s *Supervisor) run(notes []func()) {
	for _, n := range notes {
		s.safeCall("callback", n)
	}
}

func (s *Supervisor) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("worker %s: %s panicked: %v", s.cfg.Name, what, r)
		}
	}()
	fn()
}
