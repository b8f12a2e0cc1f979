package realtime

import "time"

// frameLimiter caps inbound client frames (heartbeats and stray messages)
// per connection. It keeps the arrival times of the last limit frames in a
// ring; a frame is refused while the oldest of them is still inside the window.
// Only the connection's read loop touches it.
type frameLimiter struct {
	seen   []time.Time
	next   int
	window time.Duration
}

func newFrameLimiter(cfg WSConfig) *frameLimiter {
	limit, window := cfg.RateEvents, cfg.RateWindow
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{seen: make([]time.Time, limit), window: window}
}

// allow records a frame received at now, or reports false without recording it.
func (l *frameLimiter) allow(now time.Time) bool {
	oldest := l.seen[l.next]
	if !oldest.IsZero() && now.Sub(oldest) < l.window {
		return false
	}
	l.seen[l.next] = now
	l.next = (l.next + 1) % len(l.seen)
	return true
}
