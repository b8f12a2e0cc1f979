package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"molar/cmd/internal/realtime"
	v1 "molar/shared/contracts/realtime/v1"

	"github.com/segmentio/kafka-go"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher fans an event out to realtime clients.
type Publisher interface {
	Publish(ctx context.Context, m v1.Message) realtime.PublishReport
}

// Consumer reads queue envelopes and publishes them.
type Consumer struct {
	reader  Reader
	pub     Publisher
	log     *slog.Logger
	metrics *Metrics
	topic   string

	closeOnce sync.Once
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg Config, pub Publisher, log *slog.Logger, m *Metrics) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return newConsumer(r, cfg.Topic, pub, log, m)
}

func newConsumer(r Reader, topic string, pub Publisher, log *slog.Logger, m *Metrics) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{reader: r, pub: pub, log: log, metrics: m, topic: topic}
}

// Run consumes until ctx is canceled. Fetch errors are logged and retried after a pause.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("feed.consumer.start", "topic", c.topic)
	defer func() { _ = c.Close() }()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("feed.consumer.stop", "topic", c.topic)
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.log.Error("feed.fetch.fail", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("feed.commit.fail", "err", err, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	env, ev, err := decodeQueueUpdated(msg.Value)
	if err != nil {
		result := "poison"
		if errors.Is(err, errUnknownEvent) {
			result = "ignored"
		}
		c.metrics.message(result)
		c.log.Warn("feed.message.skip",
			"reason", result,
			"err", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return
	}

	rep := c.pub.Publish(ctx, ev)
	c.metrics.message("published")
	c.log.Debug("feed.message.published",
		"event_id", env.EventID,
		"doctor_id", ev.DoctorID,
		"date", ev.Date,
		"targets", rep.Targets,
		"delivered", rep.Delivered,
	)
}

// Close closes the reader. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.reader.Close() })
	return err
}
