package session

import (
	"fmt"
	"time"
)

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	UserID    string
	SessionID string
	Role      string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Principal identifies whom an access token is issued to.
type Principal struct {
	UserID    string
	SessionID string
	Role      string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(p Principal, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

// NewAccessTokenManager returns the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.TokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown token format %q", ErrConfig, cfg.TokenFormat)
	}
}
