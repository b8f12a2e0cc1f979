package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"molar/cmd/internal/auth/session"
)

type fakeVerifier struct {
	users map[string]string
	err   error
	panic bool
}

func (f fakeVerifier) ValidateAccessToken(_ context.Context, token string, _ time.Time) (session.AccessClaims, error) {
	if f.panic {
		panic("verifier exploded")
	}
	if f.err != nil {
		return session.AccessClaims{}, f.err
	}
	uid, ok := f.users[token]
	if !ok {
		return session.AccessClaims{}, session.ErrInvalidToken
	}
	return session.AccessClaims{UserID: uid, SessionID: "s-" + uid}, nil
}

type lifecycleFixture struct {
	reg *Registry
	tr  *recordingTransport
	lc  *Lifecycle
}

func newLifecycleFixture(t *testing.T, v TokenVerifier) lifecycleFixture {
	t.Helper()
	reg := NewRegistry(NewMemoryStore(), discardLogger())
	tr := newRecordingTransport()
	pub := NewPublisher(reg, Static(tr), discardLogger())
	return lifecycleFixture{reg: reg, tr: tr, lc: NewLifecycle(reg, pub, v, discardLogger(), nil)}
}

func TestConnect_RejectsMissingToken(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()

	for _, tok := range []string{"", "   "} {
		ack := f.lc.Connect(ctx, "c1", tok)
		if ack.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token=%q status=%d want=401", tok, ack.StatusCode)
		}
	}
	if got := f.reg.List(ctx); len(got) != 0 {
		t.Fatalf("registry=%v want empty", got)
	}
}

func TestConnect_AcceptsValidToken(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()

	before := time.Now().UnixMilli()
	ack := f.lc.Connect(ctx, "c1", "good")
	if ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}

	got := f.reg.List(ctx)
	if len(got) != 1 || got[0].ConnectionID != "c1" || got[0].UserID != "u1" {
		t.Fatalf("registry=%v", got)
	}
	if got[0].CreatedAt < before {
		t.Fatalf("CreatedAt=%d should be >= %d", got[0].CreatedAt, before)
	}
}

func TestConnect_ClassifiesVerifierErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		v    fakeVerifier
		want int
	}{
		{name: "unknown token", v: fakeVerifier{users: map[string]string{}}, want: http.StatusUnauthorized},
		{name: "expired session", v: fakeVerifier{err: fmt.Errorf("check: %w", session.ErrSessionExpired)}, want: http.StatusUnauthorized},
		{name: "revoked session", v: fakeVerifier{err: session.ErrSessionRevoked}, want: http.StatusUnauthorized},
		{name: "db down", v: fakeVerifier{err: errors.New("connection refused")}, want: http.StatusInternalServerError},
		{name: "panic", v: fakeVerifier{panic: true}, want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newLifecycleFixture(t, tc.v)
			ctx := context.Background()

			ack := f.lc.Connect(ctx, "c1", "some-token")
			if ack.StatusCode != tc.want {
				t.Fatalf("status=%d want=%d", ack.StatusCode, tc.want)
			}
			if got := f.reg.List(ctx); len(got) != 0 {
				t.Fatalf("registry=%v want empty", got)
			}
		})
	}
}

func TestConnect_NoVerifierIsServerError(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, nil)
	if ack := f.lc.Connect(context.Background(), "c1", "tok"); ack.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want=500", ack.StatusCode)
	}
}

func TestConnectIdentity_ReturnsClaims(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u9"}})
	ack, claims := f.lc.ConnectIdentity(context.Background(), "c1", "good")
	if ack.StatusCode != http.StatusOK || claims.UserID != "u9" {
		t.Fatalf("ack=%+v claims=%+v", ack, claims)
	}
}

func TestDisconnect_AlwaysSucceeds(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()

	if ack := f.lc.Disconnect(ctx, "never-connected"); ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}

	f.lc.Connect(ctx, "c1", "good")
	if ack := f.lc.Disconnect(ctx, "c1"); ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}
	if got := f.reg.List(ctx); len(got) != 0 {
		t.Fatalf("registry=%v want empty", got)
	}
}

func TestDefault_ToleratesGarbage(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()
	f.lc.Connect(ctx, "c1", "good")
	before := f.reg.List(ctx)

	bodies := []string{"not json", "", "[]", `{"type":42}`, `{"type":"subscribe","payload":{}}`, `{"no":"type"}`}
	for _, b := range bodies {
		if ack := f.lc.Default(ctx, "c1", []byte(b)); ack.StatusCode != http.StatusOK {
			t.Fatalf("body=%q status=%d want=200", b, ack.StatusCode)
		}
	}

	after := f.reg.List(ctx)
	if len(after) != 1 || after[0] != before[0] {
		t.Fatalf("registry changed: before=%v after=%v", before, after)
	}
	if f.tr.calls.Load() != 0 {
		t.Fatalf("garbage triggered %d sends", f.tr.calls.Load())
	}
}

func TestDefault_PingTouchesAndPongs(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()

	f.lc.now = func() time.Time { return time.UnixMilli(1_000) }
	f.lc.Connect(ctx, "c1", "good")

	f.reg.now = func() time.Time { return time.UnixMilli(5_000) }
	if ack := f.lc.Default(ctx, "c1", []byte(`{"type":"ping"}`)); ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}

	got := f.reg.List(ctx)
	if len(got) != 1 || got[0].LastSeenAt != 5_000 {
		t.Fatalf("registry=%v want LastSeenAt=5000", got)
	}

	b, ok := f.tr.got("c1")
	if !ok || !strings.Contains(string(b), `"type":"pong"`) {
		t.Fatalf("pong not sent: %s", b)
	}
}

func TestDefault_PongFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	ctx := context.Background()
	f.lc.Connect(ctx, "c1", "good")
	f.tr.errs["c1"] = errors.New("network down")

	if ack := f.lc.Default(ctx, "c1", []byte(`{"type":"ping"}`)); ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}
	if len(f.reg.List(ctx)) != 1 {
		t.Fatalf("transient pong failure must not remove the connection")
	}
}

func TestDefault_PingWithoutPublisher(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, discardLogger())
	lc := NewLifecycle(reg, nil, nil, discardLogger(), nil)
	if ack := lc.Default(context.Background(), "c1", []byte(`{"type":"ping"}`)); ack.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", ack.StatusCode)
	}
}

func TestLifecycleHTTP(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, fakeVerifier{users: map[string]string{"good": "u1"}})
	mux := http.NewServeMux()
	NewLifecycleHTTP(f.lc, "s3cret", discardLogger()).Register(mux)

	do := func(path, connID, secret, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if connID != "" {
			req.Header.Set(HeaderConnectionID, connID)
		}
		if secret != "" {
			req.Header.Set(HeaderGatewaySecret, secret)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr.Code
	}

	cases := []struct {
		name   string
		path   string
		connID string
		secret string
		body   string
		want   int
	}{
		{name: "wrong secret", path: "/realtime/connect?token=good", connID: "c1", secret: "nope", want: http.StatusForbidden},
		{name: "missing connection id", path: "/realtime/connect?token=good", secret: "s3cret", want: http.StatusBadRequest},
		{name: "missing token", path: "/realtime/connect", connID: "c1", secret: "s3cret", want: http.StatusUnauthorized},
		{name: "connect", path: "/realtime/connect?token=good", connID: "c1", secret: "s3cret", want: http.StatusOK},
		{name: "default garbage", path: "/realtime/default", connID: "c1", secret: "s3cret", body: "%%%", want: http.StatusOK},
		{name: "default ping", path: "/realtime/default", connID: "c1", secret: "s3cret", body: `{"type":"ping"}`, want: http.StatusOK},
		{name: "disconnect", path: "/realtime/disconnect", connID: "c1", secret: "s3cret", want: http.StatusOK},
	}
	for _, tc := range cases {
		if got := do(tc.path, tc.connID, tc.secret, tc.body); got != tc.want {
			t.Fatalf("%s: status=%d want=%d", tc.name, got, tc.want)
		}
	}

	if got := f.reg.List(context.Background()); len(got) != 0 {
		t.Fatalf("registry after disconnect=%v", got)
	}
	if _, ok := f.tr.got("c1"); !ok {
		t.Fatalf("pong was not delivered through the transport")
	}
}

func TestSweeper_RemovesStaleRecords(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry(NewMemoryStore(), discardLogger(), WithStaleAfter(time.Millisecond))
	reg.Add(ctx, ConnectionRecord{ConnectionID: "old", CreatedAt: 1, LastSeenAt: 1})

	done := StartSweeper(ctx, reg, 10*time.Millisecond, time.Second, discardLogger())

	deadline := time.After(2 * time.Second)
	for len(reg.List(ctx)) != 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper did not remove stale record")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
