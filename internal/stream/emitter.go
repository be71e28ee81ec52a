// Package stream paces chunked bulk data from a worker to its supervisor and
// reassembles it on the receiving side.
package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/chunk"
	"github.com/taskmgr818/worker-supervisor/internal/envelope"
)

// DefaultInterval is the pacing used when an Emitter is built with a
// non-positive interval.
const DefaultInterval = 50 * time.Millisecond

// Progress describes how far a stream has advanced.
type Progress struct {
	StreamID    string  `json:"streamId"`
	Received    int     `json:"received"`
	TotalChunks int     `json:"totalChunks"`
	Percent     float64 `json:"percent"`
}

func newProgress(id string, done, total int) Progress {
	p := Progress{StreamID: id, Received: done, TotalChunks: total}
	if total > 0 {
		p.Percent = float64(done) / float64(total) * 100
	}
	return p
}

// Plan selects how StreamItems partitions data: fixed windows when
// ItemsPerChunk is positive, size-bounded chunks otherwise.
type Plan struct {
	ItemsPerChunk int
	MaxBytes      int
}

// cursor is one in-progress emission. mu serializes ticks against Stop so
// nothing is sent once Stop returns.
type cursor struct {
	id         string
	total      int
	chunkAt    func(int) any
	onProgress func(Progress)

	mu      sync.Mutex
	index   int
	stopped bool
	done    chan struct{}
}

func (c *cursor) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
}

// Emitter sends named streams through a worker Port, one chunk per tick.
// At most one cursor exists per stream id.
type Emitter struct {
	port     envelope.Port
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	streams map[string]*cursor
}

// NewEmitter creates an Emitter that paces chunks every interval.
func NewEmitter(port envelope.Port, interval time.Duration, log *zap.SugaredLogger) *Emitter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Emitter{
		port:     port,
		interval: interval,
		log:      log,
		streams:  make(map[string]*cursor),
	}
}

// Start emits chunks under streamID, replacing any stream already running
// under that id. onProgress may be nil.
func (e *Emitter) Start(streamID string, chunks [][]any, onProgress func(Progress)) {
	StartChunks(e, streamID, chunks, onProgress)
}

// StartChunks is the typed form of Emitter.Start.
func StartChunks[T any](e *Emitter, streamID string, chunks [][]T, onProgress func(Progress)) {
	e.start(streamID, len(chunks), func(i int) any { return chunks[i] }, onProgress)
}

// StreamItems partitions items according to plan and starts a stream.
// It returns the number of chunks that will be sent.
func StreamItems[T any](e *Emitter, streamID string, items []T, plan Plan, onProgress func(Progress)) int {
	var chunks [][]T
	if plan.ItemsPerChunk > 0 {
		chunks = chunk.ByCount(items, plan.ItemsPerChunk)
	} else {
		chunks = chunk.BySize(items, plan.MaxBytes)
	}
	StartChunks(e, streamID, chunks, onProgress)
	return len(chunks)
}

func (e *Emitter) start(id string, total int, chunkAt func(int) any, onProgress func(Progress)) {
	var c *cursor
	if total > 0 {
		c = &cursor{
			id:         id,
			total:      total,
			chunkAt:    chunkAt,
			onProgress: onProgress,
			done:       make(chan struct{}),
		}
	}

	e.mu.Lock()
	old := e.streams[id]
	if c != nil {
		e.streams[id] = c
	} else {
		delete(e.streams, id)
	}
	e.mu.Unlock()

	if old != nil {
		old.stop()
		e.log.Debugf("stream %s restarted, previous cursor discarded", id)
	}

	if c == nil {
		if err := envelope.SendStreamComplete(e.port, id); err != nil {
			e.log.Warnf("stream %s: complete failed: %v", id, err)
		}
		return
	}

	go e.run(c)
}

// Stop cancels a stream without sending a terminal message. It reports
// whether a stream was running.
func (e *Emitter) Stop(streamID string) bool {
	e.mu.Lock()
	c := e.streams[streamID]
	delete(e.streams, streamID)
	e.mu.Unlock()

	if c == nil {
		return false
	}
	c.stop()
	return true
}

// StopAll cancels every running stream.
func (e *Emitter) StopAll() {
	e.mu.Lock()
	cursors := make([]*cursor, 0, len(e.streams))
	for id, c := range e.streams {
		cursors = append(cursors, c)
		delete(e.streams, id)
	}
	e.mu.Unlock()

	for _, c := range cursors {
		c.stop()
	}
}

// Active returns the ids of running streams, sorted.
func (e *Emitter) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Emitter) run(c *cursor) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			finished, progress := e.tick(c)
			if progress != nil && c.onProgress != nil {
				e.report(c, *progress)
			}
			if finished {
				e.remove(c)
				return
			}
		}
	}
}

// tick emits the next chunk, or completes the stream when the cursor is
// exhausted.
func (e *Emitter) tick(c *cursor) (bool, *Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return true, nil
	}

	if c.index >= c.total {
		c.stopped = true
		if err := envelope.SendStreamComplete(e.port, c.id); err != nil {
			e.log.Warnf("stream %s: complete failed: %v", c.id, err)
		}
		return true, nil
	}

	if err := e.emit(c); err != nil {
		c.stopped = true
		e.log.Warnf("stream %s aborted at chunk %d: %v", c.id, c.index, err)
		if sendErr := envelope.SendStreamError(e.port, c.id, err.Error()); sendErr != nil {
			e.log.Warnf("stream %s: error report failed: %v", c.id, sendErr)
		}
		return true, nil
	}

	c.index++
	p := newProgress(c.id, c.index, c.total)
	return false, &p
}

func (e *Emitter) emit(c *cursor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk %d: %v", c.index, r)
		}
	}()
	return envelope.SendStreamChunk(e.port, c.id, c.index, c.total, c.chunkAt(c.index))
}

func (e *Emitter) report(c *cursor, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warnf("stream %s: progress callback panicked: %v", c.id, r)
		}
	}()
	c.onProgress(p)
}

func (e *Emitter) remove(c *cursor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams[c.id] == c {
		delete(e.streams, c.id)
	}
}
