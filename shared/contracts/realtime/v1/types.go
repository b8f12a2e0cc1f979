// Package v1 defines the molar realtime event contract.
//
// Every frame pushed to a connected client (and every frame a client sends on the
// default route) is a JSON object with a "type" discriminant and an optional
// "payload" object whose shape depends on the type.
//
// The contract is forward-compatible: Parse maps unknown types to Unknown instead
// of failing, so older consumers keep working when new event kinds appear.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type constants (wire-stable).
const (
	// TypeQueueUpdated tells clients that a doctor's visit queue for a day changed (server -> client).
	TypeQueueUpdated = "queue_updated"

	// TypePing is the client heartbeat (client -> server).
	TypePing = "ping"
	// TypePong answers a ping on the same connection (server -> client).
	TypePong = "pong"
)

// DateLayout is the calendar-day format used by queue events.
const DateLayout = "2006-01-02"

// Event is the canonical wire wrapper.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is one resolved variant of the event union.
type Message interface {
	EventType() string
}

// QueueUpdated carries only what subscribers need to refetch a queue.
type QueueUpdated struct {
	DoctorID string `json:"doctorId"`
	Date     string `json:"date"`
}

func (QueueUpdated) EventType() string { return TypeQueueUpdated }

// Validate checks the payload fields.
func (q QueueUpdated) Validate() error {
	if strings.TrimSpace(q.DoctorID) == "" {
		return errors.New("missing field: doctorId")
	}
	if _, err := time.Parse(DateLayout, q.Date); err != nil {
		return fmt.Errorf("invalid field date: %q", q.Date)
	}
	return nil
}

type Ping struct{}

func (Ping) EventType() string { return TypePing }

type Pong struct{}

func (Pong) EventType() string { return TypePong }

// Unknown is any well-formed event whose type this version does not know.
// Consumers ignore it.
type Unknown struct {
	Type    string
	Payload json.RawMessage
}

func (u Unknown) EventType() string { return u.Type }
