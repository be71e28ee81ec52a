// Package pool runs several supervised workers behind a single
// request/response interface with a shared FIFO task queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/metrics"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
	"github.com/taskmgr818/worker-supervisor/internal/supervisor"
)

var (
	// ErrTaskTimeout rejects a task that got no result in time.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrPoolTerminated rejects tasks still pending when the pool terminates.
	ErrPoolTerminated = errors.New("pool terminated")
	// ErrWorkerLost rejects a task whose worker failed or went away.
	ErrWorkerLost = errors.New("worker lost")
)

const (
	DefaultSize        = 4
	DefaultTaskTimeout = 30 * time.Second
	DefaultWarmUpDelay = 100 * time.Millisecond
)

// Config controls a Pool.
type Config struct {
	// Name labels logs and metrics; workers are named "<Name>-<n>".
	Name        string
	Size        int
	TaskTimeout time.Duration

	// WarmUp sends a PING to every running worker WarmUpDelay after Start.
	WarmUp      bool
	WarmUpDelay time.Duration

	// Worker is applied to every member supervisor. Members are always
	// keep-alive.
	Worker supervisor.Config
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.WarmUpDelay <= 0 {
		c.WarmUpDelay = DefaultWarmUpDelay
	}
	return c
}

// Result settles a task: the worker's result message or the reason it failed.
// TaskID is the correlation id the task was posted with.
type Result struct {
	TaskID  string
	Message protocol.Outbound
	Err     error
}

// MemberStats describes one worker of the pool.
type MemberStats struct {
	Name    string             `json:"name"`
	Status  protocol.Status    `json:"status"`
	Busy    bool               `json:"busy"`
	Metrics supervisor.Metrics `json:"metrics"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Status    protocol.Status `json:"status"`
	Workers   int             `json:"workers"`
	Available int             `json:"available"`
	Queued    int             `json:"queued"`
	Resolved  uint64          `json:"resolved"`
	TimedOut  uint64          `json:"timedOut"`
	Failed    uint64          `json:"failed"`
	Members   []MemberStats   `json:"members"`
}

type task struct {
	id     string
	msg    protocol.Inbound
	result chan Result // nil for warm-up pings
	timer  *time.Timer
	worker *member
	done   bool
}

type member struct {
	sup         *supervisor.Supervisor
	gen         uint64
	task        *task
	unsubscribe func()
}

// Pool dispatches tasks to a fixed set of workers. At most one task is in
// flight per worker; the rest wait in FIFO order.
type Pool struct {
	cfg        Config
	spawner    substrate.Spawner
	log        *zap.SugaredLogger
	collectors *metrics.Collectors
	supOpts    []supervisor.Option
	onStatus   func(worker string, from, to protocol.Status)

	mu          sync.Mutex
	gen         uint64
	workers     []*member
	queue       []*task
	terminating bool
	warmUp      *time.Timer

	resolved, timedOut, failed uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger. Member supervisors log on the same
// logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics exports pool and member activity to Prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(p *Pool) { p.collectors = c }
}

// WithSupervisorOptions adds options to every member supervisor. The pool
// owns the status change hook; use OnWorkerStatus instead.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(p *Pool) { p.supOpts = append(p.supOpts, opts...) }
}

// OnWorkerStatus is called after every member status transition.
func OnWorkerStatus(fn func(worker string, from, to protocol.Status)) Option {
	return func(p *Pool) { p.onStatus = fn }
}

// New returns an idle pool whose workers are created through spawner.
func New(spawner substrate.Spawner, cfg Config, opts ...Option) (*Pool, error) {
	if spawner == nil {
		return nil, supervisor.ErrUnsupported
	}
	p := &Pool{
		cfg:     cfg.withDefaults(),
		spawner: spawner,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the name used in logs and metrics.
func (p *Pool) Name() string { return p.cfg.Name }

// ─────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────

// Start creates Size workers and starts them. A running pool is terminated
// first. Workers that fail to spawn stay in the error state; their errors
// are joined into the returned error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	running := len(p.workers) > 0
	p.mu.Unlock()
	if running {
		p.Terminate()
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	members := make([]*member, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		m, err := p.newMember(gen, i)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		members = append(members, m)
	}
	p.workers = members
	p.mu.Unlock()

	p.log.Infof("starting pool %s with %d workers", p.cfg.Name, len(members))

	var errs []error
	for _, m := range members {
		if err := m.sup.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.sup.Name(), err))
		}
	}

	p.mu.Lock()
	if gen == p.gen {
		p.drainLocked()
		if p.cfg.WarmUp {
			p.warmUp = time.AfterFunc(p.cfg.WarmUpDelay, func() { p.warm(gen) })
		}
	}
	p.mu.Unlock()

	return errors.Join(errs...)
}

func (p *Pool) newMember(gen uint64, index int) (*member, error) {
	m := &member{gen: gen}

	wc := p.cfg.Worker
	wc.Name = fmt.Sprintf("%s-%d", p.cfg.Name, index)
	wc.KeepAlive = true

	opts := append([]supervisor.Option{
		supervisor.WithLogger(p.log),
		supervisor.WithMetrics(p.collectors),
	}, p.supOpts...)
	opts = append(opts, supervisor.OnStatusChange(func(from, to protocol.Status) {
		p.onMemberStatus(m, to)
		if p.onStatus != nil {
			p.onStatus(wc.Name, from, to)
		}
	}))

	sup, err := supervisor.New(p.spawner, wc, opts...)
	if err != nil {
		return nil, err
	}
	m.sup = sup
	m.unsubscribe = sup.OnMessage(func(msg protocol.Outbound) { p.onMemberMessage(m, msg) })
	return m, nil
}

// Terminate rejects every queued and in-flight task with ErrPoolTerminated,
// then terminates all workers. The pool is idle when Terminate returns.
func (p *Pool) Terminate() {
	p.mu.Lock()
	p.terminating = true
	p.gen++
	if p.warmUp != nil {
		p.warmUp.Stop()
		p.warmUp = nil
	}

	for _, t := range p.queue {
		p.settleLocked(t, Result{Err: ErrPoolTerminated}, metrics.OutcomeTerminated)
	}
	p.queue = nil

	members := p.workers
	p.workers = nil
	for _, m := range members {
		if m.task != nil {
			p.settleLocked(m.task, Result{Err: ErrPoolTerminated}, metrics.OutcomeTerminated)
			m.task = nil
		}
	}
	p.reportLocked()
	p.mu.Unlock()

	for _, m := range members {
		m.unsubscribe()
		m.sup.Terminate()
	}

	p.mu.Lock()
	p.terminating = false
	p.mu.Unlock()

	if len(members) > 0 {
		p.log.Infof("pool %s terminated", p.cfg.Name)
	}
}

// Restart terminates the pool, waits the member restart delay and starts
// it again.
func (p *Pool) Restart(ctx context.Context) error {
	p.Terminate()

	delay := p.cfg.Worker.RestartDelay
	if delay <= 0 {
		delay = supervisor.DefaultRestartDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.Start(ctx)
}

// ─────────────────────────────────────────────
// Tasks
// ─────────────────────────────────────────────

// PostMessage submits msg as a task and returns a channel that receives
// exactly one Result. The task goes to an available worker immediately or
// waits in the queue; either way it is rejected with ErrTaskTimeout after
// TaskTimeout. msg.ID is replaced by the task's correlation id.
func (p *Pool) PostMessage(msg protocol.Inbound) <-chan Result {
	return p.submit(msg).result
}

// Request submits msg and waits for its result. Cancelling ctx abandons the
// task and frees its worker.
func (p *Pool) Request(ctx context.Context, msg protocol.Inbound) (protocol.Outbound, error) {
	r := p.Do(ctx, msg)
	return r.Message, r.Err
}

// Do is Request returning the whole Result, task id included.
func (p *Pool) Do(ctx context.Context, msg protocol.Inbound) Result {
	t := p.submit(msg)

	select {
	case r := <-t.result:
		return r
	case <-ctx.Done():
		p.mu.Lock()
		p.abandonLocked(t, Result{Err: ctx.Err()}, metrics.OutcomeFailed)
		p.mu.Unlock()
		return <-t.result
	}
}

func (p *Pool) submit(msg protocol.Inbound) *task {
	t := &task{
		id:     uuid.NewString(),
		msg:    msg,
		result: make(chan Result, 1),
	}
	t.msg.ID = t.id

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminating {
		p.settleLocked(t, Result{Err: ErrPoolTerminated}, metrics.OutcomeTerminated)
		return t
	}

	t.timer = time.AfterFunc(p.cfg.TaskTimeout, func() { p.onTimeout(t) })
	p.queue = append(p.queue, t)
	p.drainLocked()
	if t.worker == nil {
		p.log.Debugf("pool %s: task %s queued (%d waiting)", p.cfg.Name, t.id, len(p.queue))
	}
	return t
}

func (p *Pool) onTimeout(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.done {
		return
	}
	where := "queued"
	if t.worker != nil {
		where = "on " + t.worker.sup.Name()
	}
	p.log.Warnf("pool %s: task %s (%s) timed out after %v %s", p.cfg.Name, t.id, t.msg.Type, p.cfg.TaskTimeout, where)
	p.abandonLocked(t, Result{Err: fmt.Errorf("%w after %v", ErrTaskTimeout, p.cfg.TaskTimeout)}, metrics.OutcomeTimeout)
}

// abandonLocked settles t and releases whatever it holds: its queue slot or
// its worker. A freed worker picks up the next queued task.
func (p *Pool) abandonLocked(t *task, r Result, outcome string) {
	if t.done {
		return
	}
	p.settleLocked(t, r, outcome)
	if m := t.worker; m != nil {
		if m.task == t {
			m.task = nil
		}
	} else {
		p.removeQueuedLocked(t)
	}
	p.drainLocked()
}

func (p *Pool) removeQueuedLocked(t *task) {
	for i, q := range p.queue {
		if q == t {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *Pool) settleLocked(t *task, r Result, outcome string) {
	if t.done {
		return
	}
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.result == nil {
		return
	}

	switch outcome {
	case metrics.OutcomeResolved:
		p.resolved++
	case metrics.OutcomeTimeout:
		p.timedOut++
	default:
		p.failed++
	}
	p.collectors.TaskFinished(p.cfg.Name, outcome)
	r.TaskID = t.id
	t.result <- r
}

// drainLocked hands queued tasks, oldest first, to available workers. Each
// worker takes at most one task per pass.
func (p *Pool) drainLocked() {
	defer p.reportLocked()
	if p.terminating {
		return
	}

	for _, m := range p.workers {
		if len(p.queue) == 0 {
			return
		}
		if !p.availableLocked(m) {
			continue
		}

		t := p.queue[0]
		p.queue = p.queue[1:]
		m.task = t
		t.worker = m
		if err := m.sup.PostMessage(t.msg); err != nil {
			p.log.Warnf("pool %s: could not assign task %s to %s: %v", p.cfg.Name, t.id, m.sup.Name(), err)
			m.task = nil
			t.worker = nil
			p.queue = append([]*task{t}, p.queue...)
			continue
		}
	}
}

func (p *Pool) availableLocked(m *member) bool {
	if m.task != nil || !m.sup.Ready() {
		return false
	}
	switch m.sup.Status() {
	case protocol.StatusRunning, protocol.StatusWarning:
		return true
	}
	return false
}

func (p *Pool) warm(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.warmUp = nil

	for _, m := range p.workers {
		if !p.availableLocked(m) {
			continue
		}
		t := &task{id: "warmup-" + uuid.NewString(), worker: m}
		t.msg = protocol.Inbound{Type: protocol.MsgPing, ID: t.id}
		t.timer = time.AfterFunc(p.cfg.TaskTimeout, func() { p.onTimeout(t) })
		m.task = t
		if err := m.sup.PostMessage(t.msg); err != nil {
			t.timer.Stop()
			m.task = nil
		}
	}
}

// ─────────────────────────────────────────────
// Member events
// ─────────────────────────────────────────────

func (p *Pool) onMemberMessage(m *member, msg protocol.Outbound) {
	if !protocol.IsResult(msg.Type) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if m.gen != p.gen {
		return
	}

	t := m.task
	if t == nil || (msg.ReplyTo != "" && msg.ReplyTo != t.id) {
		p.log.Debugf("pool %s: discarding late %s from %s", p.cfg.Name, msg.Type, m.sup.Name())
		return
	}
	m.task = nil
	p.settleLocked(t, Result{Message: msg}, metrics.OutcomeResolved)
	p.drainLocked()
}

func (p *Pool) onMemberStatus(m *member, to protocol.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.gen != p.gen {
		return
	}

	switch to {
	case protocol.StatusRunning:
		p.drainLocked()
	case protocol.StatusError, protocol.StatusTerminating, protocol.StatusIdle:
		if t := m.task; t != nil {
			m.task = nil
			err := ErrWorkerLost
			if cause := m.sup.Err(); cause != nil {
				err = fmt.Errorf("%w: %w", ErrWorkerLost, cause)
			}
			p.settleLocked(t, Result{Err: err}, metrics.OutcomeFailed)
		}
		p.drainLocked()
	}
}

// ─────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────

// Status derives the pool status from its workers: idle without workers,
// error when every worker failed, otherwise running or starting when any
// worker is.
func (p *Pool) Status() protocol.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool) statusLocked() protocol.Status {
	if p.terminating {
		return protocol.StatusTerminating
	}
	if len(p.workers) == 0 {
		return protocol.StatusIdle
	}

	counts := make(map[protocol.Status]int, 6)
	for _, m := range p.workers {
		counts[m.sup.Status()]++
	}
	switch {
	case counts[protocol.StatusError] == len(p.workers):
		return protocol.StatusError
	case counts[protocol.StatusRunning] > 0:
		return protocol.StatusRunning
	case counts[protocol.StatusStarting] > 0:
		return protocol.StatusStarting
	case counts[protocol.StatusWarning] > 0:
		return protocol.StatusWarning
	case counts[protocol.StatusError] > 0:
		return protocol.StatusError
	}
	return protocol.StatusIdle
}

// AvailableWorkers counts running workers without a task in flight.
func (p *Pool) AvailableWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableCountLocked()
}

func (p *Pool) availableCountLocked() int {
	n := 0
	for _, m := range p.workers {
		if p.availableLocked(m) {
			n++
		}
	}
	return n
}

// QueueLength counts tasks waiting for a worker.
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a snapshot of the pool and its workers.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Status:    p.statusLocked(),
		Workers:   len(p.workers),
		Available: p.availableCountLocked(),
		Queued:    len(p.queue),
		Resolved:  p.resolved,
		TimedOut:  p.timedOut,
		Failed:    p.failed,
		Members:   make([]MemberStats, 0, len(p.workers)),
	}
	for _, m := range p.workers {
		st.Members = append(st.Members, MemberStats{
			Name:    m.sup.Name(),
			Status:  m.sup.Status(),
			Busy:    m.task != nil,
			Metrics: m.sup.Metrics(),
		})
	}
	return st
}

// Supervisors returns the member supervisors, in worker order.
func (p *Pool) Supervisors() []*supervisor.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*supervisor.Supervisor, len(p.workers))
	for i, m := range p.workers {
		out[i] = m.sup
	}
	return out
}

func (p *Pool) reportLocked() {
	busy := 0
	for _, m := range p.workers {
		if m.task != nil {
			busy++
		}
	}
	p.collectors.SetQueueDepth(p.cfg.Name, len(p.queue))
	p.collectors.SetBusyWorkers(p.cfg.Name, busy)
}
