package authapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

const csrfTokenBytes = 32

var errEmptyRefreshToken = errors.New("authapi: empty refresh token")

// sessionCookies carries the refresh token for browser clients. The refresh
// cookie is HttpOnly; its CSRF twin is readable and must be echoed in a header.
type sessionCookies struct {
	refreshName string
	csrfName    string
	csrfHeader  string
	path        string
	domain      string
	secure      bool
	sameSite    http.SameSite
}

func newSessionCookies(cfg Config) sessionCookies {
	return sessionCookies{
		refreshName: cfg.RefreshCookieName,
		csrfName:    cfg.CSRFCookieName,
		csrfHeader:  cfg.CSRFHeaderName,
		path:        cfg.CookiePath,
		domain:      cfg.CookieDomain,
		secure:      cfg.CookieSecure,
		sameSite:    cfg.CookieSameSite,
	}
}

func (c sessionCookies) build(name, value string, httpOnly bool, exp time.Time) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.path,
		Domain:   c.domain,
		HttpOnly: httpOnly,
		Secure:   c.secure,
		SameSite: c.sameSite,
	}
	if value == "" {
		ck.Expires = time.Unix(0, 0).UTC()
		ck.MaxAge = -1
		return ck
	}
	ck.Expires = exp
	return ck
}

// issue writes both cookies for a rotated refresh token and returns the CSRF value.
func (c sessionCookies) issue(w http.ResponseWriter, refreshToken string, refreshExp time.Time) (string, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return "", errEmptyRefreshToken
	}
	csrf, err := newOpaqueToken(csrfTokenBytes)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, c.build(c.refreshName, refreshToken, true, refreshExp))
	http.SetCookie(w, c.build(c.csrfName, csrf, false, refreshExp))
	return csrf, nil
}

// clear expires both cookies, used on logout and on revoked or reused refresh tokens.
func (c sessionCookies) clear(w http.ResponseWriter) {
	if strings.TrimSpace(c.refreshName) != "" {
		http.SetCookie(w, c.build(c.refreshName, "", true, time.Time{}))
	}
	if strings.TrimSpace(c.csrfName) != "" {
		http.SetCookie(w, c.build(c.csrfName, "", false, time.Time{}))
	}
}

func (c sessionCookies) refreshToken(r *http.Request) (string, bool) {
	return requestCookie(r, c.refreshName)
}

// csrfValid checks the double-submit pair: the CSRF cookie must equal the header.
func (c sessionCookies) csrfValid(r *http.Request) bool {
	cv, ok := requestCookie(r, c.csrfName)
	if !ok {
		return false
	}
	hv := strings.TrimSpace(r.Header.Get(c.csrfHeader))
	return secureStringEqual(cv, hv)
}

func requestCookie(r *http.Request, name string) (string, bool) {
	if r == nil || name == "" {
		return "", false
	}
	ck, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(ck.Value)
	return v, v != ""
}

func newOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
