package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed means the frame is not a JSON object with a string "type".
	ErrMalformed = errors.New("realtime/v1: malformed event")
)

// Marshal encodes a variant into its wire form.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("realtime/v1: nil message")
	}

	ev := Event{Type: m.EventType()}

	switch v := m.(type) {
	case QueueUpdated:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		p, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		ev.Payload = p
	case *QueueUpdated:
		return Marshal(*v)
	case Ping, Pong:
	case Unknown:
		if strings.TrimSpace(v.Type) == "" {
			return nil, errors.New("realtime/v1: missing type")
		}
		ev.Payload = v.Payload
	default:
		return nil, fmt.Errorf("realtime/v1: unsupported message %T", m)
	}

	return json.Marshal(ev)
}

// Parse decodes a frame and resolves it to a variant.
//
// Only a non-object body or a missing type is an error. Unknown types come back
// as Unknown, and a known type with an unusable payload comes back as Unknown too,
// so callers can treat every non-error result uniformly.
func Parse(data []byte) (Message, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch ev.Type {
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeQueueUpdated:
		var q QueueUpdated
		if len(ev.Payload) == 0 || json.Unmarshal(ev.Payload, &q) != nil || q.Validate() != nil {
			return Unknown{Type: ev.Type, Payload: ev.Payload}, nil
		}
		return q, nil
	default:
		return Unknown{Type: ev.Type, Payload: ev.Payload}, nil
	}
}
