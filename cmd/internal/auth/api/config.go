package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the auth HTTP surface.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Login throttling: failures per key within LoginWindow.
	LoginIPMax   int
	LoginUserMax int
	LoginWindow  time.Duration

	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      64 << 10,
		LoginIPMax:        20,
		LoginUserMax:      5,
		LoginWindow:       15 * time.Minute,
		RefreshCookieName: "molar_refresh",
		CSRFCookieName:    "molar_csrf",
		CSRFHeaderName:    "X-CSRF-Token",
		CookiePath:        "/auth",
		CookieSecure:      true,
		CookieSameSite:    http.SameSiteLaxMode,
	}
}

// LoadConfigFromEnv loads MOLAR_AUTH_* settings over DefaultConfig.
// Invalid values fall back to defaults; cookie settings are forced into a safe shape.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:        envBool("MOLAR_AUTH_TRUST_PROXY", def.TrustProxy),
		MaxBodyBytes:      envInt64("MOLAR_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginIPMax:        envInt("MOLAR_AUTH_LOGIN_IP_MAX", def.LoginIPMax),
		LoginUserMax:      envInt("MOLAR_AUTH_LOGIN_USER_MAX", def.LoginUserMax),
		LoginWindow:       envDuration("MOLAR_AUTH_LOGIN_WINDOW", def.LoginWindow),
		RefreshCookieName: envString("MOLAR_AUTH_REFRESH_COOKIE_NAME", def.RefreshCookieName),
		CSRFCookieName:    envString("MOLAR_AUTH_CSRF_COOKIE_NAME", def.CSRFCookieName),
		CSRFHeaderName:    envString("MOLAR_AUTH_CSRF_HEADER_NAME", def.CSRFHeaderName),
		CookiePath:        envString("MOLAR_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:      envString("MOLAR_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:      envBool("MOLAR_AUTH_COOKIE_SECURE", def.CookieSecure),
		CookieSameSite:    parseSameSite(envString("MOLAR_AUTH_COOKIE_SAMESITE", "lax")),
	}
	return cfg.sanitized()
}

func (c Config) sanitized() Config {
	def := DefaultConfig()
	if c.CSRFCookieName == c.RefreshCookieName {
		c.CSRFCookieName = c.RefreshCookieName + "_csrf"
	}
	if c.CookieSameSite == http.SameSiteNoneMode {
		// Browsers drop SameSite=None cookies without Secure.
		c.CookieSecure = true
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		c.CookiePath = def.CookiePath
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	return c
}

func parseSameSite(s string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
