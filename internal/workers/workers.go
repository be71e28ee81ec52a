// Package workers holds the worker programs shipped with the host and the
// agent.
package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/taskmgr818/worker-supervisor/internal/dataset"
	"github.com/taskmgr818/worker-supervisor/internal/envelope"
	"github.com/taskmgr818/worker-supervisor/internal/protocol"
	"github.com/taskmgr818/worker-supervisor/internal/stream"
)

// Program names registered by Register.
const (
	Echo    = "echo"
	Dataset = "dataset"
)

// MsgStopStream cancels a running stream; its payload is the stream id.
const MsgStopStream protocol.MsgType = "STOP_STREAM"

// Registrar is satisfied by inproc.Registry.
type Registrar interface {
	Register(name string, program envelope.Program)
}

// Deps configures the registered programs.
type Deps struct {
	Store          *dataset.Store
	StreamInterval time.Duration
	Plan           stream.Plan

	// HealthInterval enables periodic HEALTH reports; MemoryLimit is the
	// resident set size above which a worker reports degraded.
	HealthInterval time.Duration
	MemoryLimit    uint64

	Log *zap.SugaredLogger
}

// Register adds every program to reg. The dataset program is only
// registered when a store is configured.
func Register(reg Registrar, deps Deps) {
	reg.Register(Echo, NewEcho(deps))
	if deps.Store != nil {
		reg.Register(Dataset, NewStreamer(deps))
	}
}

// ─────────────────────────────────────────────
// Echo
// ─────────────────────────────────────────────

// Transform is the ACTION payload understood by the echo program.
type Transform struct {
	Op   string `json:"op"` // upper, lower, reverse, count
	Text string `json:"text"`
}

// NewEcho returns a program that answers PING and ECHO and applies simple
// text transforms to ACTION payloads.
func NewEcho(deps Deps) envelope.Program {
	probe := envelope.MemoryProbe(deps.MemoryLimit)

	return func(ctx context.Context, port envelope.Port, inbox <-chan protocol.Inbound) error {
		if err := envelope.SendReady(port); err != nil {
			return err
		}
		if deps.HealthInterval > 0 {
			go envelope.ReportHealth(ctx, port, deps.HealthInterval, probe)
		}

		return envelope.Serve(ctx, port, inbox, envelope.Handlers{
			OnPing: envelope.SendPong,
			OnEcho: func(p envelope.Port, payload string) error {
				return envelope.SendEchoed(p, payload)
			},
			OnAction: func(p envelope.Port, payload any) error {
				start := time.Now()
				t, err := protocol.As[Transform](payload)
				if err != nil {
					return fmt.Errorf("decode transform: %w", err)
				}
				result, err := apply(t)
				if err != nil {
					return err
				}
				return envelope.SendActed(p, result, elapsed(start))
			},
			OnHealthCheck: func(p envelope.Port) error {
				status, memory := probe()
				return envelope.SendHealth(p, status, memory)
			},
			OnTerminate: envelope.SendTerminated,
		})
	}
}

func apply(t Transform) (any, error) {
	switch t.Op {
	case "upper":
		return strings.ToUpper(t.Text), nil
	case "lower":
		return strings.ToLower(t.Text), nil
	case "reverse":
		r := []rune(t.Text)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	case "count":
		return utf8.RuneCountInString(t.Text), nil
	}
	return nil, fmt.Errorf("unknown transform %q", t.Op)
}

func elapsed(start time.Time) envelope.Extra {
	return envelope.Extra{"durationMs": float64(time.Since(start).Microseconds()) / 1000}
}

// ─────────────────────────────────────────────
// Dataset streamer
// ─────────────────────────────────────────────

// StreamRequest is the ACTION payload understood by the dataset program.
type StreamRequest struct {
	StreamID      string `json:"streamId"`
	Category      string `json:"category,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	ItemsPerChunk int    `json:"itemsPerChunk,omitempty"`
	MaxBytes      int    `json:"maxBytes,omitempty"`
}

// StreamStarted is the ACTED result for a StreamRequest.
type StreamStarted struct {
	StreamID string `json:"streamId"`
	Items    int    `json:"items"`
	Chunks   int    `json:"chunks"`
}

// NewStreamer returns a program that streams dataset records back to the
// supervisor in chunks. Each ACTION starts a stream and is answered at once;
// the chunks follow at the configured interval.
func NewStreamer(deps Deps) envelope.Program {
	probe := envelope.MemoryProbe(deps.MemoryLimit)
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return func(ctx context.Context, port envelope.Port, inbox <-chan protocol.Inbound) error {
		emitter := stream.NewEmitter(port, deps.StreamInterval, log)
		defer emitter.StopAll()

		if err := envelope.SendReady(port); err != nil {
			return err
		}
		if deps.HealthInterval > 0 {
			go envelope.ReportHealth(ctx, port, deps.HealthInterval, probe)
		}

		return envelope.Serve(ctx, port, inbox, envelope.Handlers{
			OnPing: envelope.SendPong,
			OnAction: func(p envelope.Port, payload any) error {
				req, err := protocol.As[StreamRequest](payload)
				if err != nil {
					return fmt.Errorf("decode stream request: %w", err)
				}
				started, err := startStream(ctx, emitter, port, deps, req)
				if err != nil {
					return err
				}
				return envelope.SendActed(p, started)
			},
			OnHealthCheck: func(p envelope.Port) error {
				status, memory := probe()
				return envelope.SendHealth(p, status, memory)
			},
			OnTerminate: func(p envelope.Port) error {
				emitter.StopAll()
				return envelope.SendTerminated(p)
			},
			OnCustom: func(p envelope.Port, msg protocol.Inbound) error {
				if msg.Type != MsgStopStream {
					return fmt.Errorf("%w: %s", envelope.ErrUnknownType, msg.Type)
				}
				id, err := protocol.As[string](msg.Payload)
				if err != nil {
					return fmt.Errorf("decode stream id: %w", err)
				}
				stopped := emitter.Stop(id)
				return envelope.SendActed(p, stopped)
			},
		})
	}
}

func startStream(ctx context.Context, emitter *stream.Emitter, port envelope.Port, deps Deps, req StreamRequest) (StreamStarted, error) {
	if req.StreamID == "" {
		return StreamStarted{}, errors.New("stream request without streamId")
	}

	records, err := deps.Store.List(ctx, dataset.Query{Category: req.Category, Limit: req.Limit})
	if err != nil {
		return StreamStarted{}, err
	}

	plan := deps.Plan
	if req.ItemsPerChunk > 0 || req.MaxBytes > 0 {
		plan = stream.Plan{ItemsPerChunk: req.ItemsPerChunk, MaxBytes: req.MaxBytes}
	}

	// progress is reported on the bare port: it belongs to the stream, not
	// to the request that started it
	chunks := stream.StreamItems(emitter, req.StreamID, records, plan, func(p stream.Progress) {
		_ = envelope.SendProgress(port, p.Percent, fmt.Sprintf("%s %d/%d", p.StreamID, p.Received, p.TotalChunks))
	})

	return StreamStarted{StreamID: req.StreamID, Items: len(records), Chunks: chunks}, nil
}
