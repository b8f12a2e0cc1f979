// Package realtime contains molar's realtime layer: the connection registry,
// the fan-out publisher, the WebSocket lifecycle handlers and the transports
// that deliver events to connected clients.
package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ConnectionRecord is one live realtime connection.
// Timestamps are epoch milliseconds.
type ConnectionRecord struct {
	ConnectionID string
	UserID       string
	CreatedAt    int64
	LastSeenAt   int64
}

// ConnectionStore is the backing store behind a Registry.
// Implementations may fail; the Registry absorbs and logs those failures.
type ConnectionStore interface {
	Put(ctx context.Context, rec ConnectionRecord) error
	Delete(ctx context.Context, connectionID string) error
	List(ctx context.Context) ([]ConnectionRecord, error)
	// Touch refreshes LastSeenAt. Unknown ids are ignored.
	Touch(ctx context.Context, connectionID string, nowMs int64) error
	// DeleteStale removes records with LastSeenAt < cutoffMs and reports how many went away.
	DeleteStale(ctx context.Context, cutoffMs int64) (int, error)
}

// Registry is the sole owner of connection records.
//
// Every operation degrades to a logged no-op when no store is configured or the
// store fails, so realtime outages never break the request path.
type Registry struct {
	store   ConnectionStore
	log     *slog.Logger
	metrics *Metrics

	now        func() time.Time
	staleAfter time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStaleAfter sets the liveness window used by SweepStale.
func WithStaleAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithRegistryMetrics attaches metrics collectors.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs a Registry. A nil store yields a registry where every
// operation is a no-op.
func NewRegistry(store ConnectionStore, log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		store:      store,
		log:        log,
		now:        time.Now,
		staleAfter: defaultStaleAfter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Enabled reports whether a backing store is configured.
func (r *Registry) Enabled() bool {
	return r != nil && r.store != nil
}

// StaleAfter returns the configured liveness window.
func (r *Registry) StaleAfter() time.Duration {
	if r == nil {
		return defaultStaleAfter
	}
	return r.staleAfter
}

// Add upserts rec keyed by ConnectionID. Zero timestamps default to now.
func (r *Registry) Add(ctx context.Context, rec ConnectionRecord) {
	if !r.Enabled() {
		return
	}
	rec.ConnectionID = strings.TrimSpace(rec.ConnectionID)
	if rec.ConnectionID == "" {
		r.log.Warn("realtime.registry.add.skip", "reason", "empty_connection_id")
		return
	}

	nowMs := r.now().UnixMilli()
	if rec.CreatedAt <= 0 {
		rec.CreatedAt = nowMs
	}
	if rec.LastSeenAt <= 0 {
		rec.LastSeenAt = rec.CreatedAt
	}

	if err := r.store.Put(ctx, rec); err != nil {
		r.log.Warn("realtime.registry.add.fail", "connection_id", rec.ConnectionID, "user_id", rec.UserID, "err", err)
		return
	}
	r.log.Debug("realtime.registry.add", "connection_id", rec.ConnectionID, "user_id", rec.UserID)
}

// Remove deletes the record for connectionID. Absent records are fine.
func (r *Registry) Remove(ctx context.Context, connectionID string) {
	if !r.Enabled() {
		return
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}

	if err := r.store.Delete(ctx, connectionID); err != nil {
		r.log.Warn("realtime.registry.remove.fail", "connection_id", connectionID, "err", err)
		return
	}
	r.log.Debug("realtime.registry.remove", "connection_id", connectionID)
}

// List returns every current record. It never fails: an absent or failing store
// yields an empty slice.
func (r *Registry) List(ctx context.Context) []ConnectionRecord {
	if !r.Enabled() {
		return []ConnectionRecord{}
	}

	recs, err := r.store.List(ctx)
	if err != nil {
		r.log.Warn("realtime.registry.list.fail", "err", err)
		return []ConnectionRecord{}
	}
	if recs == nil {
		recs = []ConnectionRecord{}
	}
	r.metrics.setConnections(len(recs))
	return recs
}

// Touch refreshes the liveness marker of connectionID.
func (r *Registry) Touch(ctx context.Context, connectionID string) {
	if !r.Enabled() {
		return
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}

	if err := r.store.Touch(ctx, connectionID, r.now().UnixMilli()); err != nil {
		r.log.Warn("realtime.registry.touch.fail", "connection_id", connectionID, "err", err)
	}
}

// SweepStale removes records whose last heartbeat is at least StaleAfter old.
func (r *Registry) SweepStale(ctx context.Context, now time.Time) int {
	if !r.Enabled() {
		return 0
	}
	if now.IsZero() {
		now = r.now()
	}

	// A record is stale when now - LastSeenAt >= staleAfter, so the cutoff is exclusive.
	cutoff := now.Add(-r.staleAfter).UnixMilli() + 1

	n, err := r.store.DeleteStale(ctx, cutoff)
	if err != nil {
		r.log.Warn("realtime.registry.sweep.fail", "err", err)
		return 0
	}
	if n > 0 {
		r.log.Info("realtime.registry.sweep", "removed", n, "stale_after", r.staleAfter.String())
	}
	r.metrics.addSwept(n)
	return n
}
