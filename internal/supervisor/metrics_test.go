package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

func TestTrackerCorrelatesInSendOrder(t *testing.T) {
	t0 := time.Now()
	tr := newTracker(t0)

	tr.recordSent(protocol.Inbound{Type: protocol.MsgPing}, t0)
	tr.recordSent(protocol.Inbound{Type: protocol.MsgPing}, t0.Add(10*time.Millisecond))

	d, ok := tr.recordReceived(protocol.Outbound{Type: protocol.MsgPong}, t0.Add(30*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, d)

	d, ok = tr.recordReceived(protocol.Outbound{Type: protocol.MsgPong}, t0.Add(40*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, d)

	_, ok = tr.recordReceived(protocol.Outbound{Type: protocol.MsgPong}, t0.Add(50*time.Millisecond))
	assert.False(t, ok)
}

func TestTrackerCorrelatesByReplyTo(t *testing.T) {
	t0 := time.Now()
	tr := newTracker(t0)

	tr.recordSent(protocol.Inbound{Type: protocol.MsgAction, ID: "a"}, t0)
	tr.recordSent(protocol.Inbound{Type: protocol.MsgAction, ID: "b"}, t0.Add(5*time.Millisecond))

	d, ok := tr.recordReceived(protocol.Outbound{Type: protocol.MsgActed, ReplyTo: "b"}, t0.Add(7*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, d)

	_, ok = tr.recordReceived(protocol.Outbound{Type: protocol.MsgActed, ReplyTo: "zzz"}, t0.Add(8*time.Millisecond))
	assert.False(t, ok)

	d, ok = tr.recordReceived(protocol.Outbound{Type: protocol.MsgActed, ReplyTo: "a"}, t0.Add(9*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 9*time.Millisecond, d)
}

func TestTrackerIgnoresHealthChecks(t *testing.T) {
	t0 := time.Now()
	tr := newTracker(t0)

	tr.recordSent(protocol.Inbound{Type: protocol.MsgHealthCheck}, t0)
	tr.recordReceived(protocol.Outbound{Type: protocol.MsgHealth, Health: protocol.HealthHealthy}, t0.Add(time.Millisecond))
	tr.recordSent(protocol.Inbound{Type: protocol.MsgPing}, t0.Add(2*time.Millisecond))

	d, ok := tr.recordReceived(protocol.Outbound{Type: protocol.MsgPong}, t0.Add(5*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 3*time.Millisecond, d)
}

func TestTrackerRollingAverage(t *testing.T) {
	t0 := time.Now()
	tr := newTracker(t0)

	// 100 slow samples, then 100 fast ones push the slow ones out
	now := t0
	for i := 0; i < 2*responseWindow; i++ {
		latency := 100 * time.Millisecond
		if i >= responseWindow {
			latency = 10 * time.Millisecond
		}
		tr.recordSent(protocol.Inbound{Type: protocol.MsgPing}, now)
		now = now.Add(latency)
		tr.recordReceived(protocol.Outbound{Type: protocol.MsgPong}, now)
	}

	m := tr.snapshot(now)
	assert.Equal(t, 10*time.Millisecond, m.AverageResponseTime)
	assert.EqualValues(t, 2*responseWindow, m.MessagesSent)
	assert.EqualValues(t, 2*responseWindow, m.MessagesReceived)
}

func TestTrackerThroughputWindow(t *testing.T) {
	t0 := time.Now()
	tr := newTracker(t0)

	tr.recordReceived(protocol.Outbound{Type: protocol.MsgEchoed}, t0)
	tr.recordReceived(protocol.Outbound{Type: protocol.MsgEchoed}, t0.Add(30*time.Second))
	tr.recordReceived(protocol.Outbound{Type: protocol.MsgProgress}, t0.Add(31*time.Second))
	tr.recordReceived(protocol.Outbound{Type: protocol.MsgReady}, t0.Add(32*time.Second))

	m := tr.snapshot(t0.Add(45 * time.Second))
	assert.Equal(t, 2, m.Performance.ThroughputPerMin)
	assert.EqualValues(t, 3, m.MessagesReceived)

	m = tr.snapshot(t0.Add(75 * time.Second))
	assert.Equal(t, 1, m.Performance.ThroughputPerMin)
}
