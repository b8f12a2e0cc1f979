package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max bytes of a $default body accepted over the HTTP binding.
	maxDefaultBodyBytes = 16 << 10
)

const (
	// HeartbeatInterval is how often clients are expected to send {"type":"ping"}.
	HeartbeatInterval = 30 * time.Second

	// A connection that missed three heartbeats is stale.
	defaultStaleAfter = 3 * HeartbeatInterval

	defaultSweepInterval = time.Minute

	// Server-side websocket ping frames (self-hosted gateway only).
	wsPingInterval = 25 * time.Second
	wsPingTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second

	// Delivery fan-out bound for one publish.
	defaultMaxConcurrency = 32

	// Per-delivery timeout for the management transport.
	defaultDeliveryTimeout = 5 * time.Second
)
