// Package inproc runs worker programs on their own goroutine. Every message
// crossing the boundary is copied through the wire encoding, so a worker
// never shares memory with its supervisor.
package inproc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/taskmgr818/worker-supervisor/internal/envelope"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
)

// Spawner starts a fresh goroutine running a program on every Spawn.
type Spawner struct {
	name    string
	program envelope.Program
}

// NewSpawner returns a Spawner for program. name is used in error messages.
func NewSpawner(name string, program envelope.Program) *Spawner {
	return &Spawner{name: name, program: program}
}

// Spawn implements substrate.Spawner.
func (s *Spawner) Spawn(ctx context.Context) (substrate.Handle, error) {
	if s.program == nil {
		return nil, &substrate.SpawnError{
			Kind: substrate.KindSyntax,
			Err:  fmt.Errorf("invalid program %q: nil body", s.name),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &substrate.SpawnError{Kind: substrate.KindUnavailable, Err: err}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		inbox:  substrate.NewMailbox[protocol.Inbound](),
		events: substrate.NewMailbox[substrate.Event](),
		cancel: cancel,
	}

	go h.run(workerCtx, s.program)
	return h, nil
}

type handle struct {
	inbox  *substrate.Mailbox[protocol.Inbound]
	events *substrate.Mailbox[substrate.Event]
	cancel context.CancelFunc

	once       sync.Once
	terminated atomic.Bool
}

func (h *handle) Post(msg protocol.Inbound) error {
	if h.terminated.Load() {
		return substrate.ErrTerminated
	}
	clone, err := protocol.CloneInbound(msg)
	if err != nil {
		return err
	}
	if !h.inbox.Push(clone) {
		return substrate.ErrTerminated
	}
	return nil
}

func (h *handle) Events() <-chan substrate.Event {
	return h.events.Out()
}

func (h *handle) Terminate() {
	h.once.Do(func() {
		h.terminated.Store(true)
		h.cancel()
		h.inbox.Close()
		h.events.Close()
	})
}

// post is the worker's Port.
func (h *handle) post(msg protocol.Outbound) error {
	if h.terminated.Load() {
		return substrate.ErrTerminated
	}
	clone, err := protocol.CloneOutbound(msg)
	if err != nil {
		return err
	}
	if !h.events.Push(substrate.Event{Message: clone}) {
		return substrate.ErrTerminated
	}
	return nil
}

func (h *handle) run(ctx context.Context, program envelope.Program) {
	err := h.execute(ctx, program)
	if h.terminated.Load() {
		return
	}
	if err == nil {
		err = substrate.ErrExited
	}
	h.events.Push(substrate.Event{Fault: err})
	h.events.CloseWhenDrained()
	h.inbox.Close()
}

func (h *handle) execute(ctx context.Context, program envelope.Program) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return program(ctx, envelope.PortFunc(h.post), h.inbox.Out())
}

// ─────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────

// Registry maps program names to bodies, the in-process analogue of a
// worker script URL.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]envelope.Program
}

func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]envelope.Program)}
}

// Register adds or replaces a program.
func (r *Registry) Register(name string, program envelope.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[name] = program
}

// Lookup returns the named program.
func (r *Registry) Lookup(name string) (envelope.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

// Names returns the registered program names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spawner returns a Spawner that resolves name at spawn time, so a missing
// program surfaces as a not-found spawn failure.
func (r *Registry) Spawner(name string) substrate.Spawner {
	return substrate.SpawnerFunc(func(ctx context.Context) (substrate.Handle, error) {
		program, ok := r.Lookup(name)
		if !ok {
			return nil, &substrate.SpawnError{
				Kind: substrate.KindNotFound,
				Err:  fmt.Errorf("no program registered as %q", name),
			}
		}
		return NewSpawner(name, program).Spawn(ctx)
	})
}
