package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	v1 "molar/shared/contracts/realtime/v1"

	"golang.org/x/sync/errgroup"
)

// PublishReport summarizes one fan-out.
type PublishReport struct {
	Targets   int
	Delivered int
	Gone      int
	Failed    int
	Skipped   bool
}

// Publisher fans one event out to every registered connection.
type Publisher struct {
	registry  *Registry
	transport TransportSource
	log       *slog.Logger
	metrics   *Metrics

	maxConcurrency int
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMaxConcurrency bounds in-flight deliveries per publish. n <= 0 means unbounded.
func WithMaxConcurrency(n int) PublisherOption {
	return func(p *Publisher) { p.maxConcurrency = n }
}

// WithPublisherMetrics attaches metrics collectors.
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher constructs a Publisher.
func NewPublisher(registry *Registry, transport TransportSource, log *slog.Logger, opts ...PublisherOption) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		registry:       registry,
		transport:      transport,
		log:            log,
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish delivers m to every live connection concurrently and waits for all
// deliveries to settle. Failures are absorbed per connection: gone peers are
// removed from the registry, anything else is logged and left in place.
func (p *Publisher) Publish(ctx context.Context, m v1.Message) PublishReport {
	data, err := v1.Marshal(m)
	if err != nil {
		p.log.Error("realtime.publish.encode.fail", "type", eventType(m), "err", err)
		return PublishReport{Skipped: true}
	}

	conns := p.registry.List(ctx)
	if len(conns) == 0 {
		return PublishReport{}
	}

	t, err := p.transport.Get()
	if err != nil {
		p.log.Warn("realtime.publish.skip", "type", m.EventType(), "targets", len(conns), "err", err)
		p.metrics.delivery(outcomeSkipped)
		return PublishReport{Targets: len(conns), Skipped: true}
	}

	var delivered, gone, failed atomic.Int64

	// Delivery errors never cancel siblings, so a plain group is enough.
	var g errgroup.Group
	if p.maxConcurrency > 0 {
		g.SetLimit(p.maxConcurrency)
	}
	for _, c := range conns {
		c := c
		g.Go(func() error {
			switch p.deliver(ctx, t, c, data) {
			case outcomeDelivered:
				delivered.Add(1)
			case outcomeGone:
				gone.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := PublishReport{
		Targets:   len(conns),
		Delivered: int(delivered.Load()),
		Gone:      int(gone.Load()),
		Failed:    int(failed.Load()),
	}
	p.log.Debug("realtime.publish", "type", m.EventType(), "targets", rep.Targets, "delivered", rep.Delivered, "gone", rep.Gone, "failed", rep.Failed)
	return rep
}

// Send delivers m to a single connection, applying the same gone handling as Publish.
func (p *Publisher) Send(ctx context.Context, connectionID string, m v1.Message) error {
	data, err := v1.Marshal(m)
	if err != nil {
		return err
	}
	t, err := p.transport.Get()
	if err != nil {
		return err
	}

	err = t.PostToConnection(ctx, connectionID, data)
	switch {
	case err == nil:
		p.metrics.delivery(outcomeDelivered)
	case errors.Is(err, ErrGone):
		p.registry.Remove(ctx, connectionID)
		p.metrics.delivery(outcomeGone)
	default:
		p.metrics.delivery(outcomeFailed)
	}
	return err
}

func (p *Publisher) deliver(ctx context.Context, t Transport, c ConnectionRecord, data []byte) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("realtime.publish.panic", "connection_id", c.ConnectionID, "panic", r)
			outcome = outcomeFailed
		}
		p.metrics.delivery(outcome)
	}()

	err := t.PostToConnection(ctx, c.ConnectionID, data)
	switch {
	case err == nil:
		return outcomeDelivered
	case errors.Is(err, ErrGone):
		p.registry.Remove(ctx, c.ConnectionID)
		p.log.Info("realtime.publish.gone", "connection_id", c.ConnectionID, "user_id", c.UserID)
		return outcomeGone
	default:
		p.log.Error("realtime.publish.fail", "connection_id", c.ConnectionID, "user_id", c.UserID, "err", err)
		return outcomeFailed
	}
}

func eventType(m v1.Message) string {
	if m == nil {
		return ""
	}
	return m.EventType()
}
