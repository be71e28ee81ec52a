package stream

import (
	"reflect"
	"sort"
	"sync"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

// CompleteFunc receives the reassembled items of a finished stream.
type CompleteFunc func(streamID string, data []any)

type pending struct {
	total  int
	chunks map[int]any
}

func (p *pending) ordered() []any {
	indexes := make([]int, 0, len(p.chunks))
	for i := range p.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var data []any
	for _, i := range indexes {
		data = appendItems(data, p.chunks[i])
	}
	return data
}

// Collector reassembles STREAM_CHUNK messages. Chunks may arrive in any
// order; a repeated index overwrites the earlier copy. A stream completes
// once every index in [0, totalChunks) is present, after which its entry is
// dropped and a reused id starts over.
type Collector struct {
	onComplete CompleteFunc

	mu      sync.Mutex
	streams map[string]*pending
}

// NewCollector creates a Collector. onComplete may be nil.
func NewCollector(onComplete CompleteFunc) *Collector {
	return &Collector{
		onComplete: onComplete,
		streams:    make(map[string]*pending),
	}
}

// AddChunk stores a chunk and reports whether it completed its stream.
// Chunks with an index outside [0, totalChunks) are ignored.
func (c *Collector) AddChunk(ch protocol.StreamChunk) bool {
	if ch.TotalChunks < 1 || ch.ChunkIndex < 0 || ch.ChunkIndex >= ch.TotalChunks {
		return false
	}

	c.mu.Lock()
	p, ok := c.streams[ch.StreamID]
	if !ok {
		p = &pending{chunks: make(map[int]any, ch.TotalChunks)}
		c.streams[ch.StreamID] = p
	}
	p.total = ch.TotalChunks
	p.chunks[ch.ChunkIndex] = ch.Data

	if len(p.chunks) != p.total {
		c.mu.Unlock()
		return false
	}

	data := p.ordered()
	delete(c.streams, ch.StreamID)
	c.mu.Unlock()

	if c.onComplete != nil {
		c.onComplete(ch.StreamID, data)
	}
	return true
}

// StreamData returns the items received so far for an in-progress stream,
// in chunk order.
func (c *Collector) StreamData(streamID string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.streams[streamID]
	if !ok {
		return nil
	}
	return p.ordered()
}

// Progress reports an in-progress stream's chunk count.
func (c *Collector) Progress(streamID string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.streams[streamID]
	if !ok {
		return Progress{}, false
	}
	return newProgress(streamID, len(p.chunks), p.total), true
}

// Discard drops an in-progress stream.
func (c *Collector) Discard(streamID string) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

// Reset drops every in-progress stream.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.streams = make(map[string]*pending)
	c.mu.Unlock()
}

// Streams returns the ids of in-progress streams, sorted.
func (c *Collector) Streams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// appendItems flattens one chunk's payload onto data. Non-slice payloads are
// appended as a single item.
func appendItems(data []any, chunk any) []any {
	switch v := chunk.(type) {
	case nil:
		return data
	case []any:
		return append(data, v...)
	case string, []byte:
		return append(data, v)
	}

	rv := reflect.ValueOf(chunk)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return append(data, chunk)
	}
	for i := 0; i < rv.Len(); i++ {
		data = append(data, rv.Index(i).Interface())
	}
	return data
}
