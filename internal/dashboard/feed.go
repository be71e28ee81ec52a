package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/dataset"
	"github.com/taskmgr818/worker-supervisor/internal/pool"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
	"github.com/taskmgr818/worker-supervisor/internal/supervisor"
)

// Feed turns supervisor and pool callbacks into hub events. Completed
// streams are also logged to the dataset store when one is set.
type Feed struct {
	hub   *Hub
	store *dataset.Store
	log   *zap.SugaredLogger

	mu      sync.Mutex
	streams map[string]*streamRun
}

type streamRun struct {
	started time.Time
	chunks  int
}

// NewFeed creates a feed publishing to hub. store may be nil.
func NewFeed(hub *Hub, store *dataset.Store, log *zap.SugaredLogger) *Feed {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feed{
		hub:     hub,
		store:   store,
		log:     log,
		streams: make(map[string]*streamRun),
	}
}

// PoolOptions reports status changes of every pool member.
func (f *Feed) PoolOptions() []pool.Option {
	return []pool.Option{
		pool.OnWorkerStatus(f.status),
	}
}

// SupervisorOptions reports status changes and stream activity of the
// named worker.
func (f *Feed) SupervisorOptions(worker string) []supervisor.Option {
	return []supervisor.Option{
		supervisor.OnStatusChange(func(from, to protocol.Status) {
			f.status(worker, from, to)
		}),
		supervisor.OnStreamChunk(func(chunk protocol.StreamChunk, p stream.Progress) {
			f.chunk(worker, p)
		}),
		supervisor.OnStreamComplete(func(streamID string, data []any) {
			f.complete(worker, streamID, len(data))
		}),
		supervisor.OnStreamError(func(streamID, reason string) {
			f.failed(worker, streamID, reason)
		}),
	}
}

// Task publishes the outcome of a task submitted through the dashboard.
func (f *Feed) Task(id string, msgType protocol.MsgType, err error) {
	data := gin.H{"id": id, "type": msgType}
	if err != nil {
		data["error"] = err.Error()
	}
	f.hub.Publish(Event{Type: EventTask, Data: data})
}

func (f *Feed) status(worker string, from, to protocol.Status) {
	f.hub.Publish(Event{
		Type:   EventStatus,
		Worker: worker,
		Data:   gin.H{"from": from, "to": to},
	})
}

func (f *Feed) chunk(worker string, p stream.Progress) {
	f.mu.Lock()
	run, ok := f.streams[p.StreamID]
	if !ok || p.Received == 1 {
		run = &streamRun{started: time.Now()}
		f.streams[p.StreamID] = run
	}
	run.chunks = p.TotalChunks
	f.mu.Unlock()

	f.hub.Publish(Event{Type: EventStreamProgress, Worker: worker, Data: p})
}

func (f *Feed) complete(worker, streamID string, items int) {
	f.mu.Lock()
	run, ok := f.streams[streamID]
	delete(f.streams, streamID)
	f.mu.Unlock()

	rec := &dataset.Run{StreamID: streamID, Worker: worker, Items: items}
	if ok {
		rec.Chunks = run.chunks
		rec.Duration = time.Since(run.started)
	}

	f.hub.Publish(Event{Type: EventStreamComplete, Worker: worker, Data: rec})

	if f.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.InsertRun(ctx, rec); err != nil {
		f.log.Warnf("record stream %s: %v", streamID, err)
	}
}

func (f *Feed) failed(worker, streamID, reason string) {
	f.mu.Lock()
	delete(f.streams, streamID)
	f.mu.Unlock()

	f.hub.Publish(Event{
		Type:   EventStreamError,
		Worker: worker,
		Data:   gin.H{"streamId": streamID, "error": reason},
	})
}
