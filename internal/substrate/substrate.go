// Package substrate defines how a supervisor reaches a worker: an ordered,
// asynchronous message channel that can be torn down at any time.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

var (
	// ErrTerminated is returned when posting to a terminated worker.
	ErrTerminated = errors.New("worker terminated")
	// ErrExited is reported when a worker stops without being terminated.
	ErrExited = errors.New("worker exited unexpectedly")
)

// Event is one item on a worker's outbound channel: either a protocol
// message or a transport-level fault.
type Event struct {
	Message protocol.Outbound
	Fault   error
}

// Handle is the supervisor's end of one running worker.
type Handle interface {
	// Post forwards msg to the worker. It never blocks.
	Post(msg protocol.Inbound) error
	// Events delivers outbound messages and faults in order. It is closed
	// once the worker is gone.
	Events() <-chan Event
	// Terminate destroys the worker immediately. Safe to call repeatedly.
	Terminate()
}

// Spawner creates workers.
type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Handle, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Handle, error) { return f(ctx) }

// ─────────────────────────────────────────────
// Spawn failure classification
// ─────────────────────────────────────────────

// Kind classifies why a worker could not be created.
type Kind string

const (
	KindNotFound    Kind = "not_found"   // unknown program or endpoint
	KindSecurity    Kind = "security"    // refused by isolation or access policy
	KindSyntax      Kind = "syntax"      // the program itself is malformed
	KindUnavailable Kind = "unavailable" // substrate unreachable or unsupported
	KindUnknown     Kind = "unknown"
)

// SpawnError is returned by Spawner implementations when a worker cannot be
// created.
type SpawnError struct {
	Kind Kind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("worker spawn failed (%s): %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Classify returns the Kind of a spawn failure. Errors that are not a
// *SpawnError are classified from their message.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SpawnError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return KindNotFound
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission"), strings.Contains(msg, "security"):
		return KindSecurity
	case strings.Contains(msg, "syntax"), strings.Contains(msg, "invalid program"):
		return KindSyntax
	case strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "unsupported"):
		return KindUnavailable
	}
	return KindUnknown
}

// Describe renders a spawn failure as a human-readable message.
func Describe(err error) string {
	switch Classify(err) {
	case KindNotFound:
		return fmt.Sprintf("worker program not found: %v", err)
	case KindSecurity:
		return fmt.Sprintf("worker blocked by security policy: %v", err)
	case KindSyntax:
		return fmt.Sprintf("worker program is malformed: %v", err)
	case KindUnavailable:
		return fmt.Sprintf("worker substrate unavailable: %v", err)
	}
	return fmt.Sprintf("failed to create worker: %v", err)
}
