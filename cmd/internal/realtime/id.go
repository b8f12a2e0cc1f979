package realtime

import (
	"time"

	"molar/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as the connection id on the self-hosted gateway.
// Managed gateways assign their own ids.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
