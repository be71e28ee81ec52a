// Package wsbridge runs workers across a WebSocket connection. The Dialer is
// the supervisor's Spawner; the Agent hosts worker programs behind an HTTP
// endpoint, one program instance per connection.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/substrate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize bounds a single frame in either direction unless
	// overridden.
	DefaultMaxMessageSize = 16 << 20 // 16 MB

	// Close frame reasons are limited to 123 bytes.
	maxCloseReason = 123
)

// ErrMessageTooLarge is returned by a port when an encoded message exceeds
// the frame limit. The peer would drop the connection on such a frame.
var ErrMessageTooLarge = errors.New("message exceeds frame limit")

// link owns one WebSocket connection: a write pump fed by an unbounded
// mailbox and a blocking read pump.
type link struct {
	conn  *websocket.Conn
	send  *substrate.Mailbox[[]byte]
	log   *zap.SugaredLogger
	limit int64

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closeCode int
	closeText string
	closing   bool
}

func newLink(conn *websocket.Conn, log *zap.SugaredLogger, limit int64) *link {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:      conn,
		send:      substrate.NewMailbox[[]byte](),
		log:       log,
		limit:     limit,
		ctx:       ctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
	}
}

// write queues a frame. Frames over the limit are refused with
// ErrMessageTooLarge, and substrate.ErrTerminated is returned once the link
// is closing.
func (l *link) write(data []byte) error {
	if int64(len(data)) > l.limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), l.limit)
	}
	if !l.send.Push(data) {
		return substrate.ErrTerminated
	}
	return nil
}

// finish flushes queued frames, then sends a close frame.
func (l *link) finish(code int, text string) {
	if l.setClose(code, text) {
		l.send.CloseWhenDrained()
	}
}

// abort drops queued frames and closes immediately.
func (l *link) abort(code int, text string) {
	if l.setClose(code, text) {
		l.send.Close()
	}
	l.cancel()
}

func (l *link) setClose(code int, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.closing = true
	l.closeCode = code
	if len(text) > maxCloseReason {
		text = text[:maxCloseReason]
	}
	l.closeText = text
	return true
}

func (l *link) closeFrame() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return websocket.FormatCloseMessage(l.closeCode, l.closeText)
}

// ─────────────────────────────────────────────
// Read pump: peer → local
// ─────────────────────────────────────────────

// readPump blocks until the connection fails or the peer closes it, handing
// every text frame to onMessage. It returns the read error.
func (l *link) readPump(onMessage func([]byte)) error {
	defer l.cancel()

	l.conn.SetReadLimit(l.limit)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Debugf("read error: %v", err)
			}
			return err
		}
		onMessage(message)
	}
}

// ─────────────────────────────────────────────
// Write pump: local → peer
// ─────────────────────────────────────────────

func (l *link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		l.conn.WriteMessage(websocket.CloseMessage, l.closeFrame())
		l.conn.Close()
	}()

	out := l.send.Out()
	for {
		select {
		case message, ok := <-out:
			if !ok {
				return
			}
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l.log.Debugf("write error: %v", err)
				l.cancel()
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.cancel()
				return
			}

		case <-l.ctx.Done():
			return
		}
	}
}
