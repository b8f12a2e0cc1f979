package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"molar/cmd/identity/ids"
	v1 "molar/shared/contracts/realtime/v1"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer emits queue envelopes, keyed by doctor so one doctor's changes stay ordered.
type Producer struct {
	w      Writer
	source string
	now    func() time.Time
}

// NewProducer returns a synchronous producer writing to cfg.Topic.
func NewProducer(cfg Config, source string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newProducer(w, source)
}

func newProducer(w Writer, source string) *Producer {
	return &Producer{w: w, source: source, now: func() time.Time { return time.Now().UTC() }}
}

// QueueUpdated writes one envelope for ev.
func (p *Producer) QueueUpdated(ctx context.Context, ev v1.QueueUpdated) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	now := p.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	value, err := json.Marshal(Envelope{
		EventID:     id,
		EventType:   EventQueueUpdated,
		AggregateID: ev.DoctorID,
		Timestamp:   now,
		Source:      p.source,
		Data:        data,
	})
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DoctorID), Value: value, Time: now})
}

func (p *Producer) Close() error { return p.w.Close() }
