package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/worker-supervisor/internal/envelope"
	"github.com/taskmgr818/worker-supervisor/internal/metrics"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/substrate/inproc"
	"github.com/taskmgr818/worker-supervisor/internal/supervisor"
)

type job struct {
	Value   string `json:"value"`
	DelayMs int    `json:"delayMs"`
	Fail    bool   `json:"fail"`
}

func act(value string, delay time.Duration) protocol.Inbound {
	return protocol.Inbound{
		Type:    protocol.MsgAction,
		Payload: job{Value: value, DelayMs: int(delay / time.Millisecond)},
	}
}

// jobProgram answers each ACTION after the requested delay, one at a time.
func jobProgram(pings *atomic.Int32) envelope.Program {
	return func(ctx context.Context, port envelope.Port, inbox <-chan protocol.Inbound) error {
		if err := envelope.SendReady(port); err != nil {
			return err
		}
		return envelope.Serve(ctx, port, inbox, envelope.Handlers{
			OnPing: func(p envelope.Port) error {
				if pings != nil {
					pings.Add(1)
				}
				return envelope.SendPong(p)
			},
			OnAction: func(p envelope.Port, payload any) error {
				j, err := protocol.As[job](payload)
				if err != nil {
					return err
				}
				if j.Fail {
					return envelope.SendError(p, "job failed: "+j.Value)
				}
				select {
				case <-time.After(time.Duration(j.DelayMs) * time.Millisecond):
				case <-ctx.Done():
					return nil
				}
				return envelope.SendActed(p, j.Value)
			},
		})
	}
}

func newPool(t *testing.T, program envelope.Program, cfg Config, opts ...Option) *Pool {
	t.Helper()
	p, err := New(inproc.NewSpawner("job", program), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Terminate)
	return p
}

func waitAvailable(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.AvailableWorkers() == n },
		2*time.Second, 2*time.Millisecond, "available workers never reached %d", n)
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("task never settled")
		return Result{}
	}
}

func resultValue(t *testing.T, r Result) string {
	t.Helper()
	require.NoError(t, r.Err)
	require.Equal(t, protocol.MsgActed, r.Message.Type)
	v, err := protocol.As[string](r.Message.Result)
	require.NoError(t, err)
	return v
}

func TestNewWithoutSpawner(t *testing.T) {
	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, supervisor.ErrUnsupported)
}

func TestStatusBeforeStart(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 2})
	assert.Equal(t, protocol.StatusIdle, p.Status())
	assert.Zero(t, p.AvailableWorkers())
	assert.Zero(t, p.QueueLength())
}

func TestFIFOWithSingleWorker(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 2 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)
	assert.Equal(t, protocol.StatusRunning, p.Status())

	chans := make([]<-chan Result, 3)
	for i, name := range []string{"t1", "t2", "t3"} {
		chans[i] = p.PostMessage(act(name, 30*time.Millisecond))
	}

	assert.Equal(t, 2, p.QueueLength())
	assert.Zero(t, p.AvailableWorkers())

	// record settlement order, not read order
	var order []string
	for len(order) < 3 {
		select {
		case r := <-chans[0]:
			order = append(order, resultValue(t, r))
		case r := <-chans[1]:
			order = append(order, resultValue(t, r))
		case r := <-chans[2]:
			order = append(order, resultValue(t, r))
		case <-time.After(3 * time.Second):
			t.Fatal("tasks never settled")
		}
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	assert.Zero(t, p.QueueLength())
	waitAvailable(t, p, 1)
}

func TestTasksQueuedBeforeReadyAreDrained(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 2, TaskTimeout: 2 * time.Second})

	first := p.PostMessage(act("a", 0))
	second := p.PostMessage(act("b", 0))
	assert.Equal(t, 2, p.QueueLength())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, "a", resultValue(t, await(t, first)))
	assert.Equal(t, "b", resultValue(t, await(t, second)))
}

func TestLoadSpreadsAcrossWorkers(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 3, TaskTimeout: 2 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 3)

	start := time.Now()
	chans := make([]<-chan Result, 3)
	for i := range chans {
		chans[i] = p.PostMessage(act("x", 100*time.Millisecond))
	}
	assert.Zero(t, p.QueueLength())
	for _, ch := range chans {
		resultValue(t, await(t, ch))
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	busy := 0
	for _, m := range p.Stats().Members {
		if m.Metrics.MessagesSent > 0 {
			busy++
		}
	}
	assert.Equal(t, 3, busy)
}

func TestTimeoutRace(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 150 * time.Millisecond})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	// answered before the deadline
	assert.Equal(t, "fast", resultValue(t, await(t, p.PostMessage(act("fast", 100*time.Millisecond)))))

	// answered after the deadline
	r := await(t, p.PostMessage(act("slow", 250*time.Millisecond)))
	require.ErrorIs(t, r.Err, ErrTaskTimeout)
	assert.Contains(t, r.Err.Error(), "150ms")

	// the worker is free again; the late answer to "slow" must not settle
	// the next task
	next := p.PostMessage(act("next", 0))
	assert.Equal(t, "next", resultValue(t, await(t, next)))

	st := p.Stats()
	assert.EqualValues(t, 2, st.Resolved)
	assert.EqualValues(t, 1, st.TimedOut)
}

func TestQueuedTaskTimesOut(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 100 * time.Millisecond})

	r := await(t, p.PostMessage(act("never", 0)))
	assert.ErrorIs(t, r.Err, ErrTaskTimeout)
	assert.Zero(t, p.QueueLength())
}

func TestTerminateRejectsPending(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 5 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	chans := []<-chan Result{
		p.PostMessage(act("a", time.Second)),
		p.PostMessage(act("b", 0)),
		p.PostMessage(act("c", 0)),
	}
	p.Terminate()

	for _, ch := range chans {
		assert.ErrorIs(t, await(t, ch).Err, ErrPoolTerminated)
	}
	assert.Equal(t, protocol.StatusIdle, p.Status())
	assert.Zero(t, p.QueueLength())
	assert.Empty(t, p.Supervisors())
}

func TestWorkerErrorRejectsInFlightTask(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 2 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	r := await(t, p.PostMessage(protocol.Inbound{Type: protocol.MsgAction, Payload: job{Value: "x", Fail: true}}))
	require.ErrorIs(t, r.Err, ErrWorkerLost)
	assert.ErrorIs(t, r.Err, supervisor.ErrWorkerFailed)
	assert.Contains(t, r.Err.Error(), "job failed: x")

	assert.Equal(t, protocol.StatusError, p.Status())
	assert.EqualValues(t, 1, p.Stats().Failed)
}

func TestSpawnFailureGivesErrorStatus(t *testing.T) {
	reg := inproc.NewRegistry()
	p, err := New(reg.Spawner("missing"), Config{Size: 2})
	require.NoError(t, err)
	t.Cleanup(p.Terminate)

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool-0")
	assert.Contains(t, err.Error(), "pool-1")
	assert.Equal(t, protocol.StatusError, p.Status())
}

func TestStatusStartingUntilReady(t *testing.T) {
	ready := make(chan struct{})
	program := func(ctx context.Context, port envelope.Port, inbox <-chan protocol.Inbound) error {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		return jobProgram(nil)(ctx, port, inbox)
	}
	p := newPool(t, program, Config{Size: 2})
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, protocol.StatusStarting, p.Status())

	close(ready)
	require.Eventually(t, func() bool { return p.Status() == protocol.StatusRunning }, 2*time.Second, 2*time.Millisecond)
}

func TestWarningBeforeReadyIsNotAvailable(t *testing.T) {
	ready := make(chan struct{})
	program := func(ctx context.Context, port envelope.Port, inbox <-chan protocol.Inbound) error {
		if err := envelope.SendWarning(port, "warming up"); err != nil {
			return err
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		return jobProgram(nil)(ctx, port, inbox)
	}
	p := newPool(t, program, Config{Size: 1, TaskTimeout: 2 * time.Second})
	require.NoError(t, p.Start(context.Background()))

	res := p.PostMessage(act("queued", 0))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, protocol.StatusStarting, p.Status())
	assert.Zero(t, p.AvailableWorkers())
	assert.Equal(t, 1, p.QueueLength())

	close(ready)
	assert.Equal(t, "queued", resultValue(t, await(t, res)))
	waitAvailable(t, p, 1)
}

func TestWarmUpPingsEveryWorker(t *testing.T) {
	var pings atomic.Int32
	p := newPool(t, jobProgram(&pings), Config{Size: 2, WarmUp: true, WarmUpDelay: 200 * time.Millisecond})
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return pings.Load() == 2 }, 2*time.Second, 2*time.Millisecond)
	waitAvailable(t, p, 2)

	// warm-up answers are not tasks
	assert.Zero(t, p.Stats().Resolved)
}

func TestRequestHonorsContext(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 2 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Request(ctx, act("slow", 200*time.Millisecond))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	msg, err := p.Request(context.Background(), act("after", 0))
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Result)
}

func TestDoReportsTaskID(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 1, TaskTimeout: 100 * time.Millisecond})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	r := p.Do(context.Background(), act("x", 0))
	require.NoError(t, r.Err)
	assert.NotEmpty(t, r.TaskID)
	assert.Equal(t, r.TaskID, r.Message.ReplyTo)

	r = p.Do(context.Background(), act("slow", time.Second))
	assert.ErrorIs(t, r.Err, ErrTaskTimeout)
	assert.NotEmpty(t, r.TaskID)
}

func TestRestart(t *testing.T) {
	p := newPool(t, jobProgram(nil), Config{Size: 2, Worker: supervisor.Config{RestartDelay: 10 * time.Millisecond}})
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 2)
	before := p.Supervisors()

	require.NoError(t, p.Restart(context.Background()))
	waitAvailable(t, p, 2)
	after := p.Supervisors()

	require.Len(t, after, 2)
	assert.NotSame(t, before[0], after[0])
	assert.Equal(t, protocol.StatusIdle, before[0].Status())
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := metrics.New(reg)
	require.NoError(t, err)

	p := newPool(t, jobProgram(nil), Config{Name: "jobs", Size: 1, TaskTimeout: 2 * time.Second}, WithMetrics(col))
	require.NoError(t, p.Start(context.Background()))
	waitAvailable(t, p, 1)

	resultValue(t, await(t, p.PostMessage(act("a", 0))))
	resultValue(t, await(t, p.PostMessage(act("b", 0))))

	count, err := testutil.GatherAndCount(reg, "worker_supervisor_pool_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "worker_supervisor_messages_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWorkerStatusHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]protocol.Status{}
	)
	p := newPool(t, jobProgram(nil), Config{Name: "jobs", Size: 2},
		OnWorkerStatus(func(worker string, _, to protocol.Status) {
			mu.Lock()
			seen[worker] = append(seen[worker], to)
			mu.Unlock()
		}))

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["jobs-0"]) == 2 && len(seen["jobs-1"]) == 2
	}, 2*time.Second, time.Millisecond)
	p.Terminate()

	mu.Lock()
	defer mu.Unlock()
	want := []protocol.Status{protocol.StatusStarting, protocol.StatusRunning, protocol.StatusTerminating, protocol.StatusIdle}
	assert.Equal(t, want, seen["jobs-0"])
	assert.Equal(t, want, seen["jobs-1"])
}
