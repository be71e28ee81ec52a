package substrate

import "sync"

// Mailbox is an unbounded FIFO feeding a channel. Push never blocks, which
// keeps senders on either side of a worker boundary from stalling on a slow
// reader.
type Mailbox[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	draining bool

	signal chan struct{}
	done   chan struct{}
	out    chan T
}

func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.run()
	return m
}

// Out delivers pushed items in order. It is closed after Close, or after
// CloseWhenDrained once everything pushed before it was delivered.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Push queues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed || m.draining {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close discards undelivered items and closes Out.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.done)
}

// CloseWhenDrained rejects further pushes and closes Out after the queued
// items are delivered.
func (m *Mailbox[T]) CloseWhenDrained() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) run() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.items) == 0 {
			draining := m.draining
			m.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}

		var zero T
		v := m.items[0]
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
