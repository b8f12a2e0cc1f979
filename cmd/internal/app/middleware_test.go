package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func requestCount(t *testing.T, reg *prometheus.Registry, method, class string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "molar_http_requests_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["class"] == class {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestWithRequestLogging_LevelsAndMetrics(t *testing.T) {
	cases := []struct {
		method, path string
		status       int
		wantLevel    string
		wantResult   string
		wantClass    string
	}{
		{method: http.MethodPost, path: "/realtime/events/queue-updated", status: http.StatusAccepted, wantLevel: "INFO", wantResult: "success", wantClass: "2xx"},
		{method: http.MethodPost, path: "/auth/login", status: http.StatusUnauthorized, wantLevel: "WARN", wantResult: "client_error", wantClass: "4xx"},
		{method: http.MethodGet, path: "/readyz", status: http.StatusServiceUnavailable, wantLevel: "ERROR", wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewJSONHandler(&buf, nil))
			reg := prometheus.NewRegistry()
			m := NewMetrics(reg)

			h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, "{}")
			}), log, m)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("decode log line: %v (%s)", err, buf.String())
			}
			if entry["msg"] != "http.request" || entry["level"] != tc.wantLevel || entry["path"] != tc.path {
				t.Fatalf("unexpected log entry: %v", entry)
			}
			if entry["result"] != tc.wantResult || entry["status_class"] != tc.wantClass || entry["bytes"] != float64(2) {
				t.Fatalf("unexpected request meta: %v", entry)
			}
			if got := requestCount(t, reg, tc.method, tc.wantClass); got != 1 {
				t.Fatalf("molar_http_requests_total{%s,%s}=%v, want 1", tc.method, tc.wantClass, got)
			}
		})
	}

	if got := statusClass(42); got != "unknown" {
		t.Fatalf("statusClass(42)=%q", got)
	}
}

func TestWithRequestLogging_WebSocketUpgradeCanHijack(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("wrapped writer lost http.Hijacker")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = rw.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		_ = rw.Flush()
	}), log, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204 from the hijacked conn", resp.StatusCode)
	}
}

func TestWithCORS_QueueUpdatedPreflight(t *testing.T) {
	cfg := Config{
		CORSAllowedOrigins:   []string{"https://reception.molar.example"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := WithCORS(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	}), cfg, log)

	req := httptest.NewRequest(http.MethodOptions, "/realtime/events/queue-updated", nil)
	req.Header.Set("Origin", "https://reception.molar.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":      "https://reception.molar.example",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Methods":     corsAllowMethods,
		"Access-Control-Allow-Headers":     "Authorization, Content-Type",
		"Access-Control-Max-Age":           "600",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

func TestWithCORS_Origins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: []string{"https://reception.molar.example/", "http://localhost:*"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name   string
		path   string
		origin string
		want   int
	}{
		{name: "listed origin, trailing slash ignored", path: "/auth/refresh", origin: "https://reception.molar.example", want: http.StatusOK},
		{name: "wildcard port", path: "/realtime/events/queue-updated", origin: "http://localhost:5173", want: http.StatusOK},
		{name: "wildcard keeps scheme", path: "/realtime/events/queue-updated", origin: "https://localhost:5173", want: http.StatusForbidden},
		{name: "wildcard keeps host", path: "/me", origin: "http://localhost.evil.example:5173", want: http.StatusForbidden},
		{name: "unlisted", path: "/me", origin: "https://evil.example", want: http.StatusForbidden},
		{name: "no origin reaches ws", path: "/ws", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}), cfg, log)

			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("status=%d, want %d", rr.Code, tc.want)
			}
			if called != (tc.want == http.StatusOK) {
				t.Fatalf("next called=%v for status %d", called, rr.Code)
			}
			if tc.want == http.StatusOK && tc.origin != "" {
				if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.origin {
					t.Fatalf("allow-origin=%q, want %q", got, tc.origin)
				}
			}
		})
	}
}

func TestWithCORS_EmptyAllowlistPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := WithCORS(next, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("status=%d headers=%v", rr.Code, rr.Header())
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))

	want := map[string]string{
		"X-Content-Type-Options":     "nosniff",
		"X-Frame-Options":            "DENY",
		"Referrer-Policy":            "no-referrer",
		"Cross-Origin-Opener-Policy": "same-origin",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

