package authapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testCookies() sessionCookies {
	cfg := DefaultConfig()
	cfg.CookieDomain = "clinic.example"
	return newSessionCookies(cfg.sanitized())
}

func TestSessionCookies_Issue(t *testing.T) {
	c := testCookies()

	rr := httptest.NewRecorder()
	exp := t0.Add(30 * 24 * time.Hour)
	csrf, err := c.issue(rr, "refresh-token-123", exp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if csrf == "" {
		t.Fatalf("expected csrf token")
	}

	got := map[string]*http.Cookie{}
	for _, ck := range rr.Result().Cookies() {
		got[ck.Name] = ck
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(got))
	}
	refresh, csrfCookie := got["molar_refresh"], got["molar_csrf"]
	if refresh == nil || !refresh.HttpOnly || refresh.Value != "refresh-token-123" {
		t.Fatalf("refresh cookie must be HttpOnly and carry the token: %+v", refresh)
	}
	if csrfCookie == nil || csrfCookie.HttpOnly || csrfCookie.Value != csrf {
		t.Fatalf("csrf cookie must be readable and carry the csrf value: %+v", csrfCookie)
	}
	for _, ck := range got {
		if ck.Path != "/auth" || !ck.Secure || ck.Domain != "clinic.example" || ck.SameSite != http.SameSiteLaxMode {
			t.Fatalf("cookie attributes not applied: %+v", ck)
		}
		if !ck.Expires.Equal(exp.Truncate(time.Second)) {
			t.Fatalf("cookie %q expires %v, want refresh expiry %v", ck.Name, ck.Expires, exp)
		}
	}
}

func TestSessionCookies_IssueRejectsEmptyToken(t *testing.T) {
	rr := httptest.NewRecorder()
	if _, err := testCookies().issue(rr, "  ", t0); !errors.Is(err, errEmptyRefreshToken) {
		t.Fatalf("err=%v, want errEmptyRefreshToken", err)
	}
	if n := len(rr.Result().Cookies()); n != 0 {
		t.Fatalf("expected no cookies, got %d", n)
	}
}

func TestSessionCookies_Clear(t *testing.T) {
	rr := httptest.NewRecorder()
	testCookies().clear(rr)

	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 expired cookies, got %d", len(cookies))
	}
	for _, ck := range cookies {
		if ck.MaxAge >= 0 || ck.Value != "" {
			t.Fatalf("cookie %q not expired: %+v", ck.Name, ck)
		}
		if ck.Name == "molar_refresh" && !ck.HttpOnly {
			t.Fatalf("expired refresh cookie lost HttpOnly: %+v", ck)
		}
	}
}

func TestSessionCookies_CSRFDoubleSubmit(t *testing.T) {
	c := testCookies()

	tests := []struct {
		name   string
		cookie string
		header string
		want   bool
	}{
		{name: "match", cookie: "csrf-abc", header: "csrf-abc", want: true},
		{name: "padded header", cookie: "csrf-abc", header: " csrf-abc ", want: true},
		{name: "mismatch", cookie: "csrf-abc", header: "csrf-def"},
		{name: "missing header", cookie: "csrf-abc"},
		{name: "missing cookie", header: "csrf-abc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "molar_csrf", Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set("X-CSRF-Token", tc.header)
			}
			if got := c.csrfValid(req); got != tc.want {
				t.Fatalf("csrfValid=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestSessionCookies_RefreshToken(t *testing.T) {
	c := testCookies()

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	if _, ok := c.refreshToken(req); ok {
		t.Fatalf("expected no token without cookie")
	}

	req.AddCookie(&http.Cookie{Name: "molar_refresh", Value: "tok-123"})
	token, ok := c.refreshToken(req)
	if !ok || token != "tok-123" {
		t.Fatalf("refreshToken=(%q,%v), want tok-123", token, ok)
	}
}
