// Package envelope holds the worker-side half of the protocol: helpers that
// build and send outbound messages through an injected Port, and a dispatcher
// that routes inbound messages to handlers by tag.
package envelope

import (
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

// Port is the worker's end of the channel to its supervisor.
type Port interface {
	Post(msg protocol.Outbound) error
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(msg protocol.Outbound) error

func (f PortFunc) Post(msg protocol.Outbound) error { return f(msg) }

// Reply wraps a Port so every message sent through it answers the inbound
// message with the given correlation id.
func Reply(p Port, id string) Port {
	if id == "" {
		return p
	}
	return PortFunc(func(msg protocol.Outbound) error {
		if msg.ReplyTo == "" {
			msg.ReplyTo = id
		}
		return p.Post(msg)
	})
}

// Extra holds optional fields attached to ECHOED and ACTED messages.
// "durationMs" is lifted into the dedicated field; everything else is kept.
type Extra map[string]any

func (e Extra) apply(msg *protocol.Outbound) {
	for k, v := range e {
		if k == "durationMs" {
			if d, err := protocol.As[float64](v); err == nil {
				msg.DurationMs = &d
				continue
			}
		}
		if msg.Extra == nil {
			msg.Extra = make(map[string]any, len(e))
		}
		msg.Extra[k] = v
	}
}

func Send(p Port, msg protocol.Outbound) error {
	return p.Post(msg)
}

func SendReady(p Port) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgReady})
}

func SendPong(p Port) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgPong})
}

func SendEchoed(p Port, payload any, extra ...Extra) error {
	msg := protocol.Outbound{Type: protocol.MsgEchoed, Payload: payload}
	for _, e := range extra {
		e.apply(&msg)
	}
	return p.Post(msg)
}

func SendActed(p Port, result any, extra ...Extra) error {
	msg := protocol.Outbound{Type: protocol.MsgActed, Result: result}
	for _, e := range extra {
		e.apply(&msg)
	}
	return p.Post(msg)
}

func SendError(p Port, reason string) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgError, Reason: reason})
}

func SendWarning(p Port, reason string) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgWarning, Reason: reason})
}

func SendHealth(p Port, status protocol.HealthStatus, memory *protocol.MemoryInfo) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgHealth, Health: status, Memory: memory})
}

func SendProgress(p Port, percent float64, message string) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgProgress, Percent: percent, Message: message})
}

func SendLog(p Port, level protocol.LogLevel, message string, data any) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgLog, Level: level, Message: message, Data: data})
}

func SendStreamChunk(p Port, streamID string, chunkIndex, totalChunks int, data any) error {
	return p.Post(protocol.Outbound{
		Type:        protocol.MsgStreamChunk,
		StreamID:    streamID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Data:        data,
	})
}

func SendStreamComplete(p Port, streamID string) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgStreamComplete, StreamID: streamID})
}

func SendStreamError(p Port, streamID, errMsg string) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgStreamError, StreamID: streamID, Error: errMsg})
}

func SendTerminated(p Port) error {
	return p.Post(protocol.Outbound{Type: protocol.MsgTerminated})
}
