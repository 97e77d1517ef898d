package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned by Decode for an envelope type it does not know.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the wire frame pushed to viewers.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps ev for the wire.
func NewEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return Envelope{Type: ev.Kind(), Data: data}, nil
}

// Encode renders ev as a JSON envelope.
func Encode(ev Event) ([]byte, error) {
	env, err := NewEnvelope(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope produced by Encode.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case KindProcessing:
		var e Processing
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindStreamingChunk:
		var e StreamingChunk
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindStreamingComplete:
		var e StreamingComplete
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindAnswer:
		var e Answer
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindQueueStatus:
		var e QueueStatus
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}
