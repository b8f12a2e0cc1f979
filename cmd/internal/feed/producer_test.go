package feed

import (
	"context"
	"testing"
	"time"

	v1 "molar/shared/contracts/realtime/v1"

	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestProducer_RoundTripsThroughConsumerDecoding(t *testing.T) {
	w := &captureWriter{}
	p := newProducer(w, "scheduling")
	p.now = func() time.Time { return time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC) }

	in := v1.QueueUpdated{DoctorID: "doc-9", Date: "2026-03-14"}
	if err := p.QueueUpdated(context.Background(), in); err != nil {
		t.Fatalf("QueueUpdated: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "doc-9" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}

	env, out, err := decodeQueueUpdated(w.msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if env.EventID == "" || env.Source != "scheduling" || env.AggregateID != "doc-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if err := p.QueueUpdated(context.Background(), v1.QueueUpdated{DoctorID: "doc-9"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
