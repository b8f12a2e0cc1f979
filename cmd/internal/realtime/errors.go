package realtime

import "errors"

var (
	// ErrGone is reported by a Transport when the peer connection no longer exists.
	ErrGone = errors.New("realtime: connection gone")

	// ErrTransportNotConfigured means no delivery endpoint is available.
	ErrTransportNotConfigured = errors.New("realtime: transport not configured")
)
