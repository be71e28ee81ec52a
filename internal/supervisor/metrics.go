package supervisor

import (
	"time"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

const (
	responseWindow   = 100
	throughputWindow = time.Minute
	maxOutstanding   = 1024
)

// Performance is the health and throughput part of Metrics.
type Performance struct {
	ThroughputPerMin int                   `json:"throughputPerMin"`
	HealthStatus     protocol.HealthStatus `json:"healthStatus"`
	LastHealthCheck  time.Time             `json:"lastHealthCheck"`
	Memory           *protocol.MemoryInfo  `json:"memory,omitempty"`
}

// Metrics is a point-in-time snapshot of one worker's activity since it was
// last started.
type Metrics struct {
	MessagesSent        int64         `json:"messagesSent"`
	MessagesReceived    int64         `json:"messagesReceived"`
	Uptime              time.Duration `json:"uptime"`
	LastActivity        time.Time     `json:"lastActivity"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	Performance         Performance   `json:"performance"`
}

type outstanding struct {
	id string
	at time.Time
}

// tracker accumulates the raw counters behind Metrics. Guarded by the
// supervisor mutex.
type tracker struct {
	startedAt    time.Time
	sent         int64
	received     int64
	lastActivity time.Time

	pending []outstanding
	samples []time.Duration
	next    int
	results []time.Time

	health     protocol.HealthStatus
	lastHealth time.Time
	memory     *protocol.MemoryInfo
}

func newTracker(now time.Time) *tracker {
	return &tracker{
		startedAt:    now,
		lastActivity: now,
		health:       protocol.HealthHealthy,
		samples:      make([]time.Duration, 0, responseWindow),
	}
}

// expectsResult reports whether a request of type t is answered by a result
// message and so takes part in response-time correlation.
func expectsResult(t protocol.MsgType) bool {
	return t != protocol.MsgHealthCheck && t != protocol.MsgTerminate
}

func (t *tracker) recordSent(msg protocol.Inbound, now time.Time) {
	t.sent++
	t.lastActivity = now
	if !expectsResult(msg.Type) {
		return
	}
	if len(t.pending) == maxOutstanding {
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, outstanding{id: msg.ID, at: now})
}

// recordReceived updates the counters for msg and returns the response time
// when msg is a result matched to an outstanding request.
// The READY handshake is not counted as a received message.
func (t *tracker) recordReceived(msg protocol.Outbound, now time.Time) (time.Duration, bool) {
	if msg.Type != protocol.MsgReady {
		t.received++
	}
	t.lastActivity = now

	if msg.Type == protocol.MsgHealth {
		t.health = msg.Health
		t.lastHealth = now
		t.memory = msg.Memory
	}
	if !protocol.IsResult(msg.Type) {
		return 0, false
	}

	t.results = append(t.results, now)
	t.trimResults(now)

	at, ok := t.match(msg.ReplyTo)
	if !ok {
		return 0, false
	}
	latency := now.Sub(at)
	t.addSample(latency)
	return latency, true
}

// match removes the request answered by replyTo, or the oldest outstanding
// request when the result carries no correlation id. A replyTo naming no
// outstanding request matches nothing.
func (t *tracker) match(replyTo string) (time.Time, bool) {
	if len(t.pending) == 0 {
		return time.Time{}, false
	}
	if replyTo != "" {
		for i, p := range t.pending {
			if p.id == replyTo {
				t.pending = append(t.pending[:i], t.pending[i+1:]...)
				return p.at, true
			}
		}
		return time.Time{}, false
	}
	head := t.pending[0]
	t.pending = t.pending[1:]
	return head.at, true
}

func (t *tracker) addSample(d time.Duration) {
	if len(t.samples) < responseWindow {
		t.samples = append(t.samples, d)
		return
	}
	t.samples[t.next] = d
	t.next = (t.next + 1) % responseWindow
}

func (t *tracker) trimResults(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(t.results) && !t.results[i].After(cutoff) {
		i++
	}
	t.results = t.results[i:]
}

func (t *tracker) snapshot(now time.Time) Metrics {
	t.trimResults(now)

	var avg time.Duration
	if n := len(t.samples); n > 0 {
		var sum time.Duration
		for _, s := range t.samples {
			sum += s
		}
		avg = sum / time.Duration(n)
	}

	var memory *protocol.MemoryInfo
	if t.memory != nil {
		m := *t.memory
		memory = &m
	}

	return Metrics{
		MessagesSent:        t.sent,
		MessagesReceived:    t.received,
		Uptime:              now.Sub(t.startedAt),
		LastActivity:        t.lastActivity,
		AverageResponseTime: avg,
		Performance: Performance{
			ThroughputPerMin: len(t.results),
			HealthStatus:     t.health,
			LastHealthCheck:  t.lastHealth,
			Memory:           memory,
		},
	}
}
