package authapi

import (
	"net/http"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_CookieGuardrails(t *testing.T) {
	t.Setenv("MOLAR_AUTH_REFRESH_COOKIE_NAME", "molar_token")
	t.Setenv("MOLAR_AUTH_CSRF_COOKIE_NAME", "molar_token")
	t.Setenv("MOLAR_AUTH_COOKIE_SAMESITE", "none")
	t.Setenv("MOLAR_AUTH_COOKIE_SECURE", "false")
	t.Setenv("MOLAR_AUTH_COOKIE_PATH", "relative")

	cfg := LoadConfigFromEnv()

	if cfg.CSRFCookieName == cfg.RefreshCookieName {
		t.Fatalf("csrf cookie name must differ from refresh cookie name")
	}
	if cfg.CookieSameSite != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None, got %v", cfg.CookieSameSite)
	}
	if !cfg.CookieSecure {
		t.Fatalf("SameSite=None requires Secure=true")
	}
	if cfg.CookiePath != "/auth" {
		t.Fatalf("expected default cookie path, got %q", cfg.CookiePath)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("MOLAR_AUTH_TRUST_PROXY", "true")
	t.Setenv("MOLAR_AUTH_LOGIN_USER_MAX", "3")
	t.Setenv("MOLAR_AUTH_LOGIN_WINDOW", "2m")
	t.Setenv("MOLAR_AUTH_MAX_BODY_BYTES", "-1")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy || cfg.LoginUserMax != 3 || cfg.LoginWindow != 2*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxBodyBytes != DefaultConfig().MaxBodyBytes {
		t.Fatalf("invalid body limit must fall back to default, got %d", cfg.MaxBodyBytes)
	}
}

func TestParseSameSite(t *testing.T) {
	tests := []struct {
		in   string
		want http.SameSite
	}{
		{in: "strict", want: http.SameSiteStrictMode},
		{in: "Lax", want: http.SameSiteLaxMode},
		{in: "none", want: http.SameSiteNoneMode},
		{in: "default", want: http.SameSiteDefaultMode},
		{in: "unknown", want: http.SameSiteLaxMode},
	}
	for _, tc := range tests {
		if got := parseSameSite(tc.in); got != tc.want {
			t.Fatalf("parseSameSite(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}
