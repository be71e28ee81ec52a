package protocol

// ─────────────────────────────────────────────
// Worker Status
// ─────────────────────────────────────────────

// Status is the externally visible state of a supervised worker.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusError       Status = "error"
	StatusWarning     Status = "warning"
	StatusTerminating Status = "terminating"
)

// Active reports whether a worker handle exists in this state.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusWarning:
		return true
	}
	return false
}

// ─────────────────────────────────────────────
// Message Types
// ─────────────────────────────────────────────

// MsgType is the tag of an envelope crossing the worker boundary.
type MsgType string

const (
	// Supervisor → Worker
	MsgPing        MsgType = "PING"
	MsgEcho        MsgType = "ECHO"
	MsgAction      MsgType = "ACTION"
	MsgHealthCheck MsgType = "HEALTH_CHECK"
	MsgTerminate   MsgType = "TERMINATE"

	// Worker → Supervisor
	MsgReady          MsgType = "READY"
	MsgPong           MsgType = "PONG"
	MsgEchoed         MsgType = "ECHOED"
	MsgActed          MsgType = "ACTED"
	MsgError          MsgType = "ERROR"
	MsgWarning        MsgType = "WARNING"
	MsgTerminated     MsgType = "TERMINATED"
	MsgHealth         MsgType = "HEALTH"
	MsgProgress       MsgType = "PROGRESS"
	MsgLog            MsgType = "LOG"
	MsgStreamChunk    MsgType = "STREAM_CHUNK"
	MsgStreamComplete MsgType = "STREAM_COMPLETE"
	MsgStreamError    MsgType = "STREAM_ERROR"
)

var reservedInbound = map[MsgType]bool{
	MsgPing:        true,
	MsgEcho:        true,
	MsgAction:      true,
	MsgHealthCheck: true,
	MsgTerminate:   true,
}

// IsReserved reports whether t is one of the five built-in inbound tags.
// Custom inbound tags must not collide with these.
func IsReserved(t MsgType) bool {
	return reservedInbound[t]
}

// IsResult reports whether an outbound message answers a request.
func IsResult(t MsgType) bool {
	return t == MsgActed || t == MsgEchoed || t == MsgPong
}

// HealthStatus is carried by HEALTH messages.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// LogLevel is carried by LOG messages.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ─────────────────────────────────────────────
// Envelopes
// ─────────────────────────────────────────────

// Inbound is a message sent from the supervisor to a worker.
type Inbound struct {
	Type    MsgType `json:"type"`
	ID      string  `json:"id,omitempty"` // optional correlation id
	Payload any     `json:"payload,omitempty"`
}

// MemoryInfo describes worker memory usage in bytes.
type MemoryInfo struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total,omitempty"`
	Limit uint64 `json:"limit,omitempty"`
}

// Outbound is a message sent from a worker to its supervisor. Only the fields
// relevant to Type are populated.
type Outbound struct {
	Type    MsgType `json:"type"`
	ReplyTo string  `json:"replyTo,omitempty"`

	// ECHOED / ACTED
	Payload    any            `json:"payload,omitempty"`
	Result     any            `json:"result,omitempty"`
	DurationMs *float64       `json:"durationMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`

	// ERROR / WARNING
	Reason string `json:"reason,omitempty"`

	// HEALTH
	Health HealthStatus `json:"status,omitempty"`
	Memory *MemoryInfo  `json:"memory,omitempty"`

	// PROGRESS
	Percent float64 `json:"percent,omitempty"`

	// PROGRESS / LOG
	Message string   `json:"message,omitempty"`
	Level   LogLevel `json:"level,omitempty"`
	Data    any      `json:"data,omitempty"`

	// STREAM_*
	StreamID    string `json:"streamId,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StreamChunk is the chunk view of a STREAM_CHUNK message.
type StreamChunk struct {
	StreamID    string `json:"streamId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        any    `json:"data"`
}

// Chunk extracts the chunk fields of a STREAM_CHUNK message.
func (m Outbound) Chunk() StreamChunk {
	return StreamChunk{
		StreamID:    m.StreamID,
		ChunkIndex:  m.ChunkIndex,
		TotalChunks: m.TotalChunks,
		Data:        m.Data,
	}
}
