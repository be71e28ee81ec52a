package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

// Program is a worker body. It reads inbound messages from inbox and answers
// through port. The worker ends when Program returns; ctx is cancelled when
// the supervisor terminates it.
type Program func(ctx context.Context, port Port, inbox <-chan protocol.Inbound) error

// ErrUnknownType is reported for inbound tags that no handler accepts.
var ErrUnknownType = errors.New("unknown message type")

// Handlers routes inbound messages inside a worker. Nil handlers for the
// reserved tags are skipped; unknown tags go to OnCustom when set.
type Handlers struct {
	OnPing        func(p Port) error
	OnEcho        func(p Port, payload string) error
	OnAction      func(p Port, payload any) error
	OnHealthCheck func(p Port) error
	OnTerminate   func(p Port) error
	OnCustom      func(p Port, msg protocol.Inbound) error

	// OnError receives unknown tags, handler errors and recovered panics.
	OnError func(p Port, err error)
}

// Dispatch routes msg to the matching handler. The Port handed to the
// handler tags replies with msg.ID. Failures go to OnError when set and are
// returned otherwise; a panicking handler never escapes Dispatch.
func Dispatch(p Port, msg protocol.Inbound, h Handlers) (err error) {
	reply := Reply(p, msg.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", msg.Type, r)
		}
		if err != nil && h.OnError != nil {
			h.OnError(reply, err)
			err = nil
		}
	}()

	switch msg.Type {
	case protocol.MsgPing:
		if h.OnPing != nil {
			return h.OnPing(reply)
		}
	case protocol.MsgEcho:
		if h.OnEcho != nil {
			payload, convErr := protocol.As[string](msg.Payload)
			if convErr != nil {
				return fmt.Errorf("ECHO payload: %w", convErr)
			}
			return h.OnEcho(reply, payload)
		}
	case protocol.MsgAction:
		if h.OnAction != nil {
			return h.OnAction(reply, msg.Payload)
		}
	case protocol.MsgHealthCheck:
		if h.OnHealthCheck != nil {
			return h.OnHealthCheck(reply)
		}
	case protocol.MsgTerminate:
		if h.OnTerminate != nil {
			return h.OnTerminate(reply)
		}
	default:
		if h.OnCustom != nil {
			return h.OnCustom(reply, msg)
		}
		return fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	return nil
}

// Serve is a worker event loop: it dispatches every inbound message until
// the inbox closes or ctx is done. Dispatch failures without an OnError
// handler are reported to the supervisor as error-level LOG messages so one
// bad message never stops the loop.
func Serve(ctx context.Context, p Port, inbox <-chan protocol.Inbound, h Handlers) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := Dispatch(p, msg, h); err != nil {
				if sendErr := SendLog(p, protocol.LogError, err.Error(), nil); sendErr != nil {
					return fmt.Errorf("report dispatch failure: %w", sendErr)
				}
			}
		}
	}
}
