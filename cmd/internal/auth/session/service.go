package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"molar/cmd/identity/ids"
	"molar/cmd/security/token"
)

// maxRefreshTokenLen bounds presented refresh tokens before hashing.
const maxRefreshTokenLen = 4096

// Service issues, rotates, validates and revokes sessions.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
	hasher token.Hasher
	newID  func(now time.Time) (string, error)
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	SessionID    string
	UserID       string
	Role         string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRefreshHasher sets the digest used to store refresh tokens.
func WithRefreshHasher(h token.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithIDGenerator replaces the ULID session id generator.
func WithIDGenerator(fn func(now time.Time) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService wires a Service.
func NewService(cfg Config, store Store, tokens AccessTokenManager, opts ...Option) *Service {
	s := &Service{cfg: cfg, store: store, tokens: tokens, newID: ids.NewULID}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }

// IssueSession creates a session for userID and returns a fresh token pair.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID, role string, dev DeviceContext) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, ErrInvalidToken
	}

	next, refreshPlain, err := s.newSession(now, dev)
	if err != nil {
		return Issued{}, err
	}
	next.UserID = userID
	next.Role = role

	if err := s.store.Create(ctx, now, next); err != nil {
		return Issued{}, err
	}
	return s.issue(now, next.ID, userID, role, refreshPlain, next.ExpiresAt)
}

// RotateRefresh exchanges a refresh token for a new pair.
//
// Presenting a token that was already rotated is treated as theft: every
// session of its owner is revoked and ErrRefreshReuseDetected is returned.
func (s *Service) RotateRefresh(ctx context.Context, now time.Time, refreshTokenPlain string, dev DeviceContext) (Issued, error) {
	hash, err := s.hashPresented(refreshTokenPlain)
	if err != nil {
		return Issued{}, err
	}

	next, refreshPlain, err := s.newSession(now, dev)
	if err != nil {
		return Issued{}, err
	}

	row, err := s.store.Rotate(ctx, now, hash, next)
	if err != nil {
		return Issued{}, err
	}
	return s.issue(now, row.ID, row.UserID, row.Role, refreshPlain, row.ExpiresAt)
}

// ValidateAccessToken verifies an access token and checks that its session is
// still active, so revocations take effect before the token expires.
func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(accessToken, now)
	if err != nil {
		return AccessClaims{}, err
	}

	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil || row.ReplacedBySessionID != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}
	if claims.Role == "" {
		claims.Role = row.Role
	}
	return claims, nil
}

// RevokeSession revokes one session. Revoking twice is a no-op.
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID, ReasonLogout)
}

// RevokeByRefreshToken revokes the session owning a refresh token and returns
// its id. Unknown tokens yield ErrSessionNotFound.
func (s *Service) RevokeByRefreshToken(ctx context.Context, now time.Time, refreshTokenPlain string) (string, error) {
	hash, err := s.hashPresented(refreshTokenPlain)
	if err != nil {
		return "", err
	}
	row, err := s.store.GetByRefreshHash(ctx, hash)
	if err != nil {
		return "", err
	}
	if err := s.store.Revoke(ctx, now, row.ID, ReasonLogout); err != nil {
		return "", err
	}
	return row.ID, nil
}

// RevokeAll revokes every session of userID.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) error {
	return s.store.RevokeAll(ctx, now, userID, ReasonLogoutAll)
}

// TouchSession records activity on a session.
func (s *Service) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}

func (s *Service) hashPresented(plain string) (string, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" || len(plain) > maxRefreshTokenLen {
		return "", ErrSessionNotFound
	}
	return s.hasher.Hash(plain), nil
}

func (s *Service) newSession(now time.Time, dev DeviceContext) (NewSession, string, error) {
	id, err := s.newID(now)
	if err != nil {
		return NewSession{}, "", fmt.Errorf("session id: %w", err)
	}
	plain, err := newOpaqueToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return NewSession{}, "", fmt.Errorf("refresh token: %w", err)
	}
	return NewSession{
		ID:          id,
		RefreshHash: s.hasher.Hash(plain),
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		Device:      dev,
	}, plain, nil
}

func (s *Service) issue(now time.Time, sessionID, userID, role, refreshPlain string, refreshExp time.Time) (Issued, error) {
	access, accessExp, err := s.tokens.Issue(Principal{UserID: userID, SessionID: sessionID, Role: role}, now)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		SessionID:    sessionID,
		UserID:       userID,
		Role:         role,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   refreshExp,
	}, nil
}

// newOpaqueToken returns n random bytes as unpadded base64url.
func newOpaqueToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
