package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal encodes an envelope for the wire.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	return data, nil
}

// DecodeInbound parses a wire frame into an Inbound envelope.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("invalid inbound message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("invalid inbound message: missing type")
	}
	return msg, nil
}

// DecodeOutbound parses a wire frame into an Outbound envelope.
func DecodeOutbound(data []byte) (Outbound, error) {
	var msg Outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Outbound{}, fmt.Errorf("invalid outbound message: %w", err)
	}
	if msg.Type == "" {
		return Outbound{}, fmt.Errorf("invalid outbound message: missing type")
	}
	return msg, nil
}

// CloneInbound copies msg through the wire encoding so the receiver shares
// no memory with the sender.
func CloneInbound(msg Inbound) (Inbound, error) {
	data, err := Marshal(msg)
	if err != nil {
		return Inbound{}, err
	}
	return DecodeInbound(data)
}

// CloneOutbound is the Outbound counterpart of CloneInbound.
func CloneOutbound(msg Outbound) (Outbound, error) {
	data, err := Marshal(msg)
	if err != nil {
		return Outbound{}, err
	}
	return DecodeOutbound(data)
}

// As converts a payload received across the boundary into T. Values that are
// already a T are returned as is; anything else is re-decoded through JSON.
func As[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, nil
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	case []byte:
		data = raw
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("payload marshal failed: %w", err)
		}
		data = encoded
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("payload is not a %T: %w", out, err)
	}
	return out, nil
}
