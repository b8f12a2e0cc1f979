package authapi

import (
	"time"

	"molar/cmd/internal/auth/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// tokenBundle is the token half of a login or refresh response.
type tokenBundle struct {
	AccessToken         string `json:"accessToken"`
	RefreshToken        string `json:"refreshToken,omitempty"`
	ExpiresInSec        int64  `json:"expiresInSec"`
	RefreshExpiresInSec int64  `json:"refreshExpiresInSec,omitempty"`
}

type authResponse struct {
	UserID string      `json:"userId"`
	Role   string      `json:"role"`
	Tokens tokenBundle `json:"tokens"`
}

type meResponse struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
}

type publishResponse struct {
	Targets   int  `json:"targets"`
	Delivered int  `json:"delivered"`
	Gone      int  `json:"gone"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
}

func toAuthResponse(issued session.Issued, now time.Time) authResponse {
	return authResponse{
		UserID: issued.UserID,
		Role:   issued.Role,
		Tokens: tokenBundle{
			AccessToken:         issued.AccessToken,
			RefreshToken:        issued.RefreshToken,
			ExpiresInSec:        secondsUntil(issued.AccessExp, now),
			RefreshExpiresInSec: secondsUntil(issued.RefreshExp, now),
		},
	}
}

func secondsUntil(t, now time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
