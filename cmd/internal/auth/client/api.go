package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Credentials are the primary credentials exchanged at login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenBundle is what login and refresh return. Refresh may omit identity
// fields and the refresh credential.
type TokenBundle struct {
	UserID              string
	Role                string
	AccessToken         string
	ExpiresInSec        int64
	RefreshToken        string
	RefreshExpiresInSec int64
}

// API is the auth server as seen by a Machine.
type API interface {
	Login(ctx context.Context, creds Credentials) (TokenBundle, error)
	// Refresh exchanges the out-of-band refresh credential; refreshToken is a
	// fallback for transports that cannot carry it.
	Refresh(ctx context.Context, refreshToken string) (TokenBundle, error)
	Logout(ctx context.Context, refreshToken string) error
}

const maxResponseBytes = 1 << 20

// HTTPAPI implements API against the molar /auth endpoints.
type HTTPAPI struct {
	base       *url.URL
	client     *http.Client
	csrfCookie string
	csrfHeader string
}

// HTTPOption configures an HTTPAPI.
type HTTPOption func(*HTTPAPI)

// WithHTTPClient sets the client used for requests. A cookie jar is added when it has none.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAPI) {
		if c != nil {
			a.client = c
		}
	}
}

// WithCSRF overrides the CSRF cookie and header names.
func WithCSRF(cookieName, headerName string) HTTPOption {
	return func(a *HTTPAPI) {
		if cookieName != "" {
			a.csrfCookie = cookieName
		}
		if headerName != "" {
			a.csrfHeader = headerName
		}
	}
}

// NewHTTPAPI returns an API client for the server at baseURL.
func NewHTTPAPI(baseURL string, opts ...HTTPOption) (*HTTPAPI, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("authclient: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("authclient: unsupported scheme %q", u.Scheme)
	}
	a := &HTTPAPI{
		base:       u,
		client:     &http.Client{Timeout: 10 * time.Second},
		csrfCookie: "molar_csrf",
		csrfHeader: "X-CSRF-Token",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		c := *a.client
		c.Jar = jar
		a.client = &c
	}
	return a, nil
}

type wireTokens struct {
	AccessToken         string `json:"accessToken"`
	RefreshToken        string `json:"refreshToken"`
	ExpiresInSec        int64  `json:"expiresInSec"`
	RefreshExpiresInSec int64  `json:"refreshExpiresInSec"`
}

type wireAuthResponse struct {
	UserID string     `json:"userId"`
	Role   string     `json:"role"`
	Tokens wireTokens `json:"tokens"`
}

type wireError struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (a *HTTPAPI) Login(ctx context.Context, creds Credentials) (TokenBundle, error) {
	resp, err := a.post(ctx, "/auth/login", creds, false)
	if err != nil {
		return TokenBundle{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeBundle(resp.Body)
	case http.StatusUnauthorized:
		return TokenBundle{}, ErrInvalidCredentials
	case http.StatusTooManyRequests:
		return TokenBundle{}, ErrRateLimited
	default:
		return TokenBundle{}, statusError("login", resp)
	}
}

func (a *HTTPAPI) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	var body any
	useCookie := a.csrfToken() != ""
	if !useCookie {
		if refreshToken == "" {
			return TokenBundle{}, ErrUnauthenticated
		}
		body = map[string]string{"refreshToken": refreshToken}
	}

	resp, err := a.post(ctx, "/auth/refresh", body, useCookie)
	if err != nil {
		return TokenBundle{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeBundle(resp.Body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return TokenBundle{}, ErrUnauthenticated
	default:
		return TokenBundle{}, statusError("refresh", resp)
	}
}

func (a *HTTPAPI) Logout(ctx context.Context, refreshToken string) error {
	var body any
	useCookie := a.csrfToken() != ""
	if !useCookie && refreshToken != "" {
		body = map[string]string{"refreshToken": refreshToken}
	}

	resp, err := a.post(ctx, "/auth/logout", body, useCookie)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("logout", resp)
	}
	return nil
}

func (a *HTTPAPI) post(ctx context.Context, path string, body any, csrf bool) (*http.Response, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base.String()+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf {
		req.Header.Set(a.csrfHeader, a.csrfToken())
	}
	return a.client.Do(req)
}

// csrfToken returns the CSRF cookie the jar would send to the auth endpoints.
func (a *HTTPAPI) csrfToken() string {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + "/auth/refresh"
	for _, c := range a.client.Jar.Cookies(&u) {
		if c.Name == a.csrfCookie {
			return c.Value
		}
	}
	return ""
}

func decodeBundle(r io.Reader) (TokenBundle, error) {
	var out wireAuthResponse
	if err := json.NewDecoder(io.LimitReader(r, maxResponseBytes)).Decode(&out); err != nil {
		return TokenBundle{}, fmt.Errorf("authclient: decode token bundle: %w", err)
	}
	if out.Tokens.AccessToken == "" {
		return TokenBundle{}, errors.New("authclient: token bundle without access token")
	}
	if out.Tokens.ExpiresInSec <= 0 {
		return TokenBundle{}, fmt.Errorf("%w: expiresInSec=%d", errIncompleteBundle, out.Tokens.ExpiresInSec)
	}
	return TokenBundle{
		UserID:              out.UserID,
		Role:                out.Role,
		AccessToken:         out.Tokens.AccessToken,
		ExpiresInSec:        out.Tokens.ExpiresInSec,
		RefreshToken:        out.Tokens.RefreshToken,
		RefreshExpiresInSec: out.Tokens.RefreshExpiresInSec,
	}, nil
}

func statusError(op string, resp *http.Response) error {
	var we wireError
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&we)
	return &StatusError{Op: op, Status: resp.StatusCode, Code: we.Error.Code}
}
