package authclient

import "time"

// State is the authentication state of a Machine.
type State string

const (
	StateChecking        State = "checking"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// Session is the client-held credential set. Expiries are epoch milliseconds.
// It doubles as the persisted snapshot.
type Session struct {
	UserID           string `json:"userId"`
	Role             string `json:"role"`
	AccessToken      string `json:"accessToken,omitempty"`
	AccessExpiresAt  int64  `json:"accessExpiresAt,omitempty"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
}

// Authenticated reports whether the refresh credential is present and strictly
// in the future. A credential expiring exactly at now is expired.
func (s Session) Authenticated(now time.Time) bool {
	return s.RefreshToken != "" && s.RefreshExpiresAt > now.UnixMilli()
}

// AccessValid reports whether the access credential is present and unexpired.
func (s Session) AccessValid(now time.Time) bool {
	return s.AccessToken != "" && s.AccessExpiresAt > now.UnixMilli()
}

// withoutExpiredAccess drops the access credential once it is no longer valid.
func (s Session) withoutExpiredAccess(now time.Time) Session {
	if !s.AccessValid(now) {
		s.AccessToken = ""
		s.AccessExpiresAt = 0
	}
	return s
}

// merge applies a token bundle received at now. Identity fields and the refresh
// credential are only replaced when the bundle carries them.
func (s Session) merge(b TokenBundle, now time.Time) Session {
	if b.UserID != "" {
		s.UserID = b.UserID
	}
	if b.Role != "" {
		s.Role = b.Role
	}
	s.AccessToken = b.AccessToken
	s.AccessExpiresAt = expiryMillis(now, b.ExpiresInSec)
	if b.RefreshToken != "" {
		s.RefreshToken = b.RefreshToken
	}
	if b.RefreshExpiresInSec > 0 {
		s.RefreshExpiresAt = expiryMillis(now, b.RefreshExpiresInSec)
	}
	return s
}

func expiryMillis(now time.Time, inSec int64) int64 {
	if inSec <= 0 {
		return 0
	}
	return now.UnixMilli() + inSec*1000
}
