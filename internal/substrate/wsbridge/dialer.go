package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/substrate"
)

const (
	defaultDialRetries      = 3
	defaultHandshakeTimeout = 5 * time.Second
	initialRetryInterval    = 100 * time.Millisecond
	maxRetryInterval        = 2 * time.Second
)

// Dialer spawns workers by opening a WebSocket connection to an Agent.
type Dialer struct {
	url     string
	header  http.Header
	retries uint64
	dialer  *websocket.Dialer
	maxSize int64
	log     *zap.SugaredLogger
}

// DialOption configures a Dialer.
type DialOption func(*Dialer)

// WithHeader sets headers sent with the handshake, e.g. an auth token.
func WithHeader(h http.Header) DialOption {
	return func(d *Dialer) { d.header = h.Clone() }
}

// WithRetries sets how many times a failed dial is retried. Handshakes
// refused with 401, 403 or 404 are never retried.
func WithRetries(n uint64) DialOption {
	return func(d *Dialer) { d.retries = n }
}

// WithHandshakeTimeout bounds a single dial attempt.
func WithHandshakeTimeout(timeout time.Duration) DialOption {
	return func(d *Dialer) { d.dialer.HandshakeTimeout = timeout }
}

// WithMaxMessageSize bounds frames in both directions. It should match the
// agent's limit.
func WithMaxMessageSize(n int64) DialOption {
	return func(d *Dialer) { d.maxSize = n }
}

// WithDialLogger sets the logger.
func WithDialLogger(log *zap.SugaredLogger) DialOption {
	return func(d *Dialer) { d.log = log }
}

// NewDialer returns a Spawner that connects to rawURL, which must use the
// ws or wss scheme.
func NewDialer(rawURL string, opts ...DialOption) *Dialer {
	d := &Dialer{
		url:     rawURL,
		header:  http.Header{},
		retries: defaultDialRetries,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Spawn implements substrate.Spawner.
func (d *Dialer) Spawn(ctx context.Context) (substrate.Handle, error) {
	u, err := url.Parse(d.url)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, &substrate.SpawnError{
			Kind: substrate.KindSyntax,
			Err:  fmt.Errorf("invalid worker url %q", d.url),
		}
	}

	var conn *websocket.Conn
	dial := func() error {
		c, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
		if err != nil {
			return classifyDial(d.url, resp, err)
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryInterval
	b.MaxInterval = maxRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.retries), ctx)

	err = backoff.RetryNotify(dial, policy, func(err error, wait time.Duration) {
		d.log.Warnf("dial %s failed, retrying in %v: %v", d.url, wait, err)
	})
	if err != nil {
		if substrate.Classify(err) == substrate.KindUnknown {
			err = &substrate.SpawnError{Kind: substrate.KindUnavailable, Err: err}
		}
		return nil, err
	}

	d.log.Debugf("connected to %s", d.url)
	return newRemote(conn, d.log, d.maxSize), nil
}

func classifyDial(rawURL string, resp *http.Response, err error) error {
	if resp != nil {
		cause := fmt.Errorf("%s: %s", rawURL, resp.Status)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return backoff.Permanent(&substrate.SpawnError{Kind: substrate.KindNotFound, Err: cause})
		case http.StatusUnauthorized, http.StatusForbidden:
			return backoff.Permanent(&substrate.SpawnError{Kind: substrate.KindSecurity, Err: cause})
		}
	}
	return &substrate.SpawnError{
		Kind: substrate.KindUnavailable,
		Err:  fmt.Errorf("dial %s: %w", rawURL, err),
	}
}

// ─────────────────────────────────────────────
// Remote worker handle
// ─────────────────────────────────────────────

type remote struct {
	link   *link
	events *substrate.Mailbox[substrate.Event]

	once       sync.Once
	terminated atomic.Bool
}

func newRemote(conn *websocket.Conn, log *zap.SugaredLogger, maxSize int64) *remote {
	r := &remote{
		link:   newLink(conn, log, maxSize),
		events: substrate.NewMailbox[substrate.Event](),
	}
	go r.link.writePump()
	go r.run()
	return r
}

func (r *remote) Post(msg protocol.Inbound) error {
	if r.terminated.Load() {
		return substrate.ErrTerminated
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return r.link.write(data)
}

func (r *remote) Events() <-chan substrate.Event {
	return r.events.Out()
}

func (r *remote) Terminate() {
	r.once.Do(func() {
		r.terminated.Store(true)
		r.events.Close()
		r.link.abort(websocket.CloseNormalClosure, "terminated")
	})
}

func (r *remote) run() {
	err := r.link.readPump(func(data []byte) {
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			r.link.log.Warnf("dropping malformed worker message: %v", err)
			return
		}
		r.events.Push(substrate.Event{Message: msg})
	})
	if r.terminated.Load() {
		return
	}

	fault := fmt.Errorf("%w: %v", substrate.ErrExited, err)
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.CloseInternalServerErr {
		fault = fmt.Errorf("%w: %s", substrate.ErrExited, ce.Text)
	}
	r.events.Push(substrate.Event{Fault: fault})
	r.events.CloseWhenDrained()
	r.link.abort(websocket.CloseGoingAway, "")
}
