package stream

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

type capturePort struct {
	mu   sync.Mutex
	msgs []protocol.Outbound
	at   []time.Time
	fail func(protocol.Outbound) error
}

func (c *capturePort) Post(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(msg); err != nil {
			return err
		}
	}
	c.msgs = append(c.msgs, msg)
	c.at = append(c.at, time.Now())
	return nil
}

func (c *capturePort) snapshot() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.msgs...)
}

func (c *capturePort) count(t protocol.MsgType) int {
	n := 0
	for _, m := range c.snapshot() {
		if m.Type == t {
			n++
		}
	}
	return n
}

func makeItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

// ─────────────────────────────────────────────
// Emitter
// ─────────────────────────────────────────────

func TestEmitterStreamsAllChunksThenCompletes(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, 10*time.Millisecond, nil)
	collector := NewCollector(nil)

	var progressMu sync.Mutex
	var progress []Progress
	started := time.Now()
	total := StreamItems(e, "bulk", makeItems(250), Plan{ItemsPerChunk: 10}, func(p Progress) {
		progressMu.Lock()
		progress = append(progress, p)
		progressMu.Unlock()
	})
	require.Equal(t, 25, total)

	require.Eventually(t, func() bool {
		return port.count(protocol.MsgStreamComplete) == 1
	}, 3*time.Second, 5*time.Millisecond)

	msgs := port.snapshot()
	require.Len(t, msgs, 26)
	assert.Equal(t, protocol.MsgStreamComplete, msgs[25].Type)

	port.mu.Lock()
	lastChunkAt := port.at[24]
	port.mu.Unlock()
	assert.GreaterOrEqual(t, lastChunkAt.Sub(started), 240*time.Millisecond)

	var completed bool
	for i, m := range msgs[:25] {
		require.Equal(t, protocol.MsgStreamChunk, m.Type)
		require.Equal(t, i, m.ChunkIndex)
		require.Equal(t, 25, m.TotalChunks)
		completed = collector.AddChunk(m.Chunk())
	}
	assert.True(t, completed)

	progressMu.Lock()
	defer progressMu.Unlock()
	require.Len(t, progress, 25)
	assert.Equal(t, 100.0, progress[24].Percent)
	assert.Empty(t, e.Active())
}

func TestEmitterEmptyStreamCompletesImmediately(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, time.Hour, nil)

	e.Start("empty", nil, nil)

	msgs := port.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.MsgStreamComplete, msgs[0].Type)
	assert.Equal(t, "empty", msgs[0].StreamID)
}

func TestEmitterStopIsSilent(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, 5*time.Millisecond, nil)

	StreamItems(e, "s", makeItems(1000), Plan{ItemsPerChunk: 1}, nil)
	require.Eventually(t, func() bool { return port.count(protocol.MsgStreamChunk) >= 3 }, time.Second, time.Millisecond)

	assert.True(t, e.Stop("s"))
	sent := len(port.snapshot())

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, port.snapshot(), sent)
	assert.Zero(t, port.count(protocol.MsgStreamComplete))
	assert.Zero(t, port.count(protocol.MsgStreamError))
	assert.False(t, e.Stop("s"))
}

func TestEmitterReusedIDReplacesCursor(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, 5*time.Millisecond, nil)

	e.Start("dup", [][]any{{"old"}, {"old"}, {"old"}, {"old"}, {"old"}, {"old"}}, nil)
	require.Eventually(t, func() bool { return port.count(protocol.MsgStreamChunk) >= 1 }, time.Second, time.Millisecond)

	e.Start("dup", [][]any{{"new"}, {"new"}}, nil)
	require.Eventually(t, func() bool { return port.count(protocol.MsgStreamComplete) == 1 }, time.Second, time.Millisecond)

	msgs := port.snapshot()
	var tail []protocol.Outbound
	for i, m := range msgs {
		if m.Type == protocol.MsgStreamChunk && m.TotalChunks == 2 {
			tail = msgs[i:]
			break
		}
	}
	require.Len(t, tail, 3)
	for _, m := range tail[:2] {
		assert.Equal(t, []any{"new"}, m.Data)
	}
	assert.Empty(t, e.Active())
}

func TestEmitterErrorAbortsOnlyThatStream(t *testing.T) {
	port := &capturePort{fail: func(m protocol.Outbound) error {
		if m.Type == protocol.MsgStreamChunk && m.StreamID == "bad" && m.ChunkIndex == 1 {
			return errors.New("channel closed")
		}
		return nil
	}}
	e := NewEmitter(port, 5*time.Millisecond, nil)

	e.Start("bad", [][]any{{1}, {2}, {3}}, nil)
	e.Start("good", [][]any{{1}, {2}, {3}}, nil)

	require.Eventually(t, func() bool {
		return port.count(protocol.MsgStreamError) == 1 && port.count(protocol.MsgStreamComplete) == 1
	}, time.Second, time.Millisecond)

	for _, m := range port.snapshot() {
		switch m.Type {
		case protocol.MsgStreamError:
			assert.Equal(t, "bad", m.StreamID)
			assert.Contains(t, m.Error, "channel closed")
		case protocol.MsgStreamComplete:
			assert.Equal(t, "good", m.StreamID)
		}
	}
}

func TestEmitterPanicBecomesStreamError(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, 5*time.Millisecond, nil)

	e.start("boom", 2, func(i int) any {
		if i == 1 {
			panic("corrupt row")
		}
		return []int{i}
	}, nil)

	require.Eventually(t, func() bool { return port.count(protocol.MsgStreamError) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, port.count(protocol.MsgStreamChunk))
	assert.Zero(t, port.count(protocol.MsgStreamComplete))
}

func TestEmitterStopAll(t *testing.T) {
	port := &capturePort{}
	e := NewEmitter(port, time.Hour, nil)

	e.Start("a", [][]any{{1}}, nil)
	e.Start("b", [][]any{{1}}, nil)
	assert.Equal(t, []string{"a", "b"}, e.Active())

	e.StopAll()
	assert.Empty(t, e.Active())
}

// ─────────────────────────────────────────────
// Collector
// ─────────────────────────────────────────────

func chunksOf(id string, n int) []protocol.StreamChunk {
	out := make([]protocol.StreamChunk, n)
	for i := range out {
		out[i] = protocol.StreamChunk{StreamID: id, ChunkIndex: i, TotalChunks: n, Data: []any{i * 2, i*2 + 1}}
	}
	return out
}

func TestCollectorCompletesOnceInAnyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(20)
		chunks := chunksOf("s", n)
		rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

		var calls int
		var got []any
		c := NewCollector(func(id string, data []any) {
			calls++
			got = data
			assert.Equal(t, "s", id)
		})

		for i, ch := range chunks {
			done := c.AddChunk(ch)
			assert.Equal(t, i == n-1, done)
		}

		require.Equal(t, 1, calls)
		require.Len(t, got, 2*n)
		for i, v := range got {
			require.Equal(t, i, v)
		}
		assert.Empty(t, c.Streams())
	}
}

func TestCollectorNeverCompletesWithGap(t *testing.T) {
	var calls int
	c := NewCollector(func(string, []any) { calls++ })

	chunks := chunksOf("gap", 5)
	for i, ch := range chunks {
		if i == 2 {
			continue
		}
		assert.False(t, c.AddChunk(ch))
		// duplicates never fill the gap
		assert.False(t, c.AddChunk(ch))
	}
	assert.Zero(t, calls)

	p, ok := c.Progress("gap")
	require.True(t, ok)
	assert.Equal(t, 4, p.Received)
	assert.Equal(t, 5, p.TotalChunks)
	assert.InDelta(t, 80.0, p.Percent, 0.001)
	assert.Equal(t, []any{0, 1, 2, 3, 6, 7, 8, 9}, c.StreamData("gap"))
}

func TestCollectorLastWriteWins(t *testing.T) {
	var got []any
	c := NewCollector(func(_ string, data []any) { got = data })

	c.AddChunk(protocol.StreamChunk{StreamID: "x", ChunkIndex: 0, TotalChunks: 2, Data: []any{"stale"}})
	c.AddChunk(protocol.StreamChunk{StreamID: "x", ChunkIndex: 0, TotalChunks: 2, Data: []any{"fresh"}})
	c.AddChunk(protocol.StreamChunk{StreamID: "x", ChunkIndex: 1, TotalChunks: 2, Data: []string{"tail"}})

	assert.Equal(t, []any{"fresh", "tail"}, got)
}

func TestCollectorReusedIDStartsFresh(t *testing.T) {
	var calls int
	c := NewCollector(func(string, []any) { calls++ })

	for _, ch := range chunksOf("r", 2) {
		c.AddChunk(ch)
	}
	require.Equal(t, 1, calls)

	assert.False(t, c.AddChunk(chunksOf("r", 3)[0]))
	assert.Equal(t, []string{"r"}, c.Streams())
}

func TestCollectorRejectsOutOfRangeIndex(t *testing.T) {
	c := NewCollector(nil)
	assert.False(t, c.AddChunk(protocol.StreamChunk{StreamID: "o", ChunkIndex: 5, TotalChunks: 2}))
	assert.False(t, c.AddChunk(protocol.StreamChunk{StreamID: "o", ChunkIndex: 0, TotalChunks: 0}))
	assert.Empty(t, c.Streams())
}

func TestCollectorDiscardAndReset(t *testing.T) {
	c := NewCollector(nil)
	c.AddChunk(chunksOf("a", 3)[0])
	c.AddChunk(chunksOf("b", 3)[0])

	c.Discard("a")
	assert.Equal(t, []string{"b"}, c.Streams())
	_, ok := c.Progress("a")
	assert.False(t, ok)

	c.Reset()
	assert.Empty(t, c.Streams())
	assert.Nil(t, c.StreamData("b"))
}

func TestCollectorEmptyChunkStream(t *testing.T) {
	var got []any
	var called bool
	c := NewCollector(func(_ string, data []any) { called, got = true, data })

	assert.True(t, c.AddChunk(protocol.StreamChunk{StreamID: "e", ChunkIndex: 0, TotalChunks: 1, Data: []any{}}))
	assert.True(t, called)
	assert.Empty(t, got)
}
