package session

import (
	"context"
	"net"
	"time"
)

// Revocation reasons recorded on session rows.
const (
	ReasonLogout        = "logout"
	ReasonRotation      = "rotation"
	ReasonReuseDetected = "reuse_detected"
	ReasonLogoutAll     = "logout_all"
)

// DeviceContext describes the client that owns a session.
type DeviceContext struct {
	UserAgent string
	IP        net.IP
}

// NewSession is the data needed to create a session row.
// On rotation UserID and Role are copied from the retired session.
type NewSession struct {
	ID          string
	UserID      string
	Role        string
	RefreshHash string
	ExpiresAt   time.Time
	Device      DeviceContext
}

// Row mirrors a molar.sessions row.
type Row struct {
	ID                  string
	UserID              string
	Role                string
	RefreshTokenHash    string
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
	RevocationReason    *string
}

// Active reports whether the session may still be used at now.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ReplacedBySessionID == nil && r.ExpiresAt.After(now)
}

// Store persists session state.
type Store interface {
	Create(ctx context.Context, now time.Time, s NewSession) error
	GetByID(ctx context.Context, sessionID string) (Row, error)
	GetByRefreshHash(ctx context.Context, refreshHash string) (Row, error)

	// Rotate atomically retires the session owning oldHash and creates next in
	// its place. A retired token yields ErrRefreshReuseDetected after revoking
	// every session of its owner; a revoked one yields ErrSessionRevoked; an
	// expired one ErrSessionExpired. It returns the new row.
	Rotate(ctx context.Context, now time.Time, oldHash string, next NewSession) (Row, error)

	Touch(ctx context.Context, now time.Time, sessionID string) error
	Revoke(ctx context.Context, now time.Time, sessionID, reason string) error
	RevokeAll(ctx context.Context, now time.Time, userID, reason string) error
}

// checkRotatable classifies a locked row before rotation.
// It returns ErrRefreshReuseDetected when the row was already rotated.
func checkRotatable(row Row, now time.Time) error {
	if row.ReplacedBySessionID != nil {
		return ErrRefreshReuseDetected
	}
	if row.RevokedAt != nil {
		return ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return ErrSessionExpired
	}
	return nil
}
