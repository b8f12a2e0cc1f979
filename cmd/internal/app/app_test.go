package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://molar.example.com", want: "wss://molar.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestNew_InMemoryStackServesAuthAndProbes(t *testing.T) {
	t.Setenv("MOLAR_DATABASE_URL", "")
	t.Setenv("MOLAR_REDIS_URL", "")
	t.Setenv("MOLAR_KAFKA_BROKERS", "")
	t.Setenv("MOLAR_REALTIME_ENDPOINT", "")
	t.Setenv("MOLAR_REALTIME_STORE", "")
	t.Setenv("MOLAR_TOKEN_HMAC_KEY", "")
	t.Setenv("MOLAR_AUTH_TOKEN_FORMAT", "paseto")
	t.Setenv("MOLAR_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("MOLAR_AUTH_DEV_EPHEMERAL_KEY", "true")
	t.Setenv("MOLAR_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("MOLAR_ARGON2_ITERATIONS", "1")
	t.Setenv("MOLAR_SEED_USER", "frontdesk")
	t.Setenv("MOLAR_SEED_PASSWORD", "Lumen-Orchid-7731")
	t.Setenv("MOLAR_SEED_ROLE", "receptionist")
	t.Setenv("MOLAR_CORS_ALLOWED_ORIGINS", "")

	cfg := LoadConfig()
	if got := cfg.registryStore(); got != StoreMemory {
		t.Fatalf("registryStore()=%q want %q", got, StoreMemory)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
	}

	body := strings.NewReader(`{"username":"FrontDesk","password":"Lumen-Orchid-7731"}`)
	resp, err := http.Post(srv.URL+"/auth/login", "application/json", body)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var out struct {
		Role   string `json:"role"`
		Tokens struct {
			AccessToken string `json:"accessToken"`
		} `json:"tokens"`
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d err=%v", resp.StatusCode, err)
	}
	if out.Role != "receptionist" || out.Tokens.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", out)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/me", nil)
	req.Header.Set("Authorization", "Bearer "+out.Tokens.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("/me: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/me status=%d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("/metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	for _, name := range []string{"molar_auth_login_total", "molar_http_requests_total"} {
		if !strings.Contains(string(raw), name) {
			t.Fatalf("/metrics missing %s", name)
		}
	}
}

func TestNew_RejectsStoreWithoutBackend(t *testing.T) {
	t.Setenv("MOLAR_AUTH_TOKEN_FORMAT", "paseto")
	t.Setenv("MOLAR_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("MOLAR_AUTH_DEV_EPHEMERAL_KEY", "true")
	t.Setenv("MOLAR_TOKEN_HMAC_KEY", "")

	cfg := Config{RegistryStore: StoreRedis, ManagementEndpoint: "https://gw.example.com/prod"}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Fatalf("expected error for redis registry without MOLAR_REDIS_URL")
	}
}

func TestNew_LocalTransportKeepsRegistryPerProcess(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Setenv("MOLAR_AUTH_TOKEN_FORMAT", "paseto")
	t.Setenv("MOLAR_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("MOLAR_AUTH_DEV_EPHEMERAL_KEY", "true")
	t.Setenv("MOLAR_TOKEN_HMAC_KEY", "")
	t.Setenv("MOLAR_KAFKA_BROKERS", "")

	cfg := Config{RedisURL: "redis://" + mr.Addr(), RegistryStore: StoreRedis}

	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)

	out := logs.String()
	if !strings.Contains(out, `"msg":"realtime.registry.store.override"`) {
		t.Fatalf("expected override warning, logs=%s", out)
	}
	if !strings.Contains(out, `"msg":"realtime.registry.store","kind":"memory"`) {
		t.Fatalf("expected memory registry, logs=%s", out)
	}
	for _, k := range mr.Keys() {
		if strings.Contains(k, "conn") {
			t.Fatalf("registry must not write to shared redis, found key %q", k)
		}
	}
}
