package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "molar/shared/contracts/realtime/v1"
)

// EventQueueUpdated is the envelope event_type for queue changes.
const EventQueueUpdated = "visit.queue_updated"

// Envelope is the domain event wrapper carried in message values.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source,omitempty"`
	Data        json.RawMessage `json:"data"`
}

var errUnknownEvent = errors.New("feed: unknown event type")

// decodeQueueUpdated extracts the realtime event from a message value.
func decodeQueueUpdated(value []byte) (Envelope, v1.QueueUpdated, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, v1.QueueUpdated{}, fmt.Errorf("feed: decode envelope: %w", err)
	}
	if env.EventType != EventQueueUpdated {
		return env, v1.QueueUpdated{}, fmt.Errorf("%w: %q", errUnknownEvent, env.EventType)
	}
	var ev v1.QueueUpdated
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return env, v1.QueueUpdated{}, fmt.Errorf("feed: decode data: %w", err)
	}
	if ev.DoctorID == "" {
		ev.DoctorID = env.AggregateID
	}
	if err := ev.Validate(); err != nil {
		return env, v1.QueueUpdated{}, fmt.Errorf("feed: %w", err)
	}
	return env, ev, nil
}
