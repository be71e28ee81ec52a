package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"path"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/envelope"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
)

// Lookup resolves a program name to its body.
type Lookup func(name string) (envelope.Program, bool)

// Agent hosts worker programs. A request for /<prefix>/<name> upgrades to a
// WebSocket and runs program <name> until either side closes.
type Agent struct {
	lookup    Lookup
	authorize func(r *http.Request) bool
	upgrader  websocket.Upgrader
	maxSize   int64
	log       *zap.SugaredLogger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAuthorizer rejects handshakes with 403 when fn returns false.
func WithAuthorizer(fn func(r *http.Request) bool) AgentOption {
	return func(a *Agent) { a.authorize = fn }
}

// WithAgentMaxMessageSize bounds frames in both directions. Worker messages
// over the limit are refused at the port, so an oversized stream chunk ends
// its stream with STREAM_ERROR instead of breaking the connection.
func WithAgentMaxMessageSize(n int64) AgentOption {
	return func(a *Agent) { a.maxSize = n }
}

// WithAgentLogger sets the logger.
func WithAgentLogger(log *zap.SugaredLogger) AgentOption {
	return func(a *Agent) { a.log = log }
}

// NewAgent returns an http.Handler serving the programs found by lookup.
func NewAgent(lookup Lookup, opts ...AgentOption) *Agent {
	a := &Agent{
		lookup: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Base(r.URL.Path)
	program, ok := a.lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("no worker program %q", name), http.StatusNotFound)
		return
	}
	if a.authorize != nil && !a.authorize(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnf("upgrade failed for %s: %v", name, err)
		return
	}

	a.log.Infof("worker %s started for %s", name, r.RemoteAddr)
	a.serve(name, conn, program)
	a.log.Infof("worker %s stopped for %s", name, r.RemoteAddr)
}

// serve runs one program over conn. Blocks until the connection closes.
func (a *Agent) serve(name string, conn *websocket.Conn, program envelope.Program) {
	l := newLink(conn, a.log.With("worker", name), a.maxSize)
	inbox := substrate.NewMailbox[protocol.Inbound]()
	defer inbox.Close()

	port := envelope.PortFunc(func(msg protocol.Outbound) error {
		data, err := protocol.Marshal(msg)
		if err != nil {
			return err
		}
		return l.write(data)
	})

	go l.writePump()
	go func() {
		if err := runProgram(l.ctx, program, port, inbox.Out()); err != nil {
			a.log.Warnf("worker %s failed: %v", name, err)
			l.finish(websocket.CloseInternalServerErr, err.Error())
			return
		}
		l.finish(websocket.CloseNormalClosure, "exited")
	}()

	l.readPump(func(data []byte) {
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			a.log.Warnf("dropping malformed supervisor message: %v", err)
			return
		}
		inbox.Push(msg)
	})
	l.abort(websocket.CloseNormalClosure, "")
}

func runProgram(ctx context.Context, program envelope.Program, port envelope.Port, inbox <-chan protocol.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return program(ctx, port, inbox)
}
