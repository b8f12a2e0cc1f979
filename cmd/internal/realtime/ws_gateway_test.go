package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "molar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	srv *httptest.Server
	reg *Registry
	pub *Publisher
	hub *Hub
}

func newGatewayFixture(t *testing.T) gatewayFixture {
	t.Helper()

	log := discardLogger()
	reg := NewRegistry(NewMemoryStore(), log)
	hub := NewHub()
	pub := NewPublisher(reg, Static(hub), log)
	lc := NewLifecycle(reg, pub, fakeVerifier{users: map[string]string{"good": "u1"}}, log, nil)

	cfg := LoadWSConfigFromEnv()
	cfg.OriginRequired = false

	g := NewWSGateway(log, hub, lc, cfg)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return gatewayFixture{srv: srv, reg: reg, pub: pub, hub: hub}
}

func (f gatewayFixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func readEvent(t *testing.T, ctx context.Context, c *websocket.Conn) v1.Message {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := v1.Parse(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSGateway_RejectsMissingAndInvalidToken(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tok := range []string{"", "bad"} {
		_, resp, err := websocket.Dial(ctx, f.wsURL(tok), nil)
		if err == nil {
			t.Fatalf("token=%q: expected dial to fail", tok)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token=%q: resp=%v want 401", tok, resp)
		}
	}
	if got := f.reg.List(ctx); len(got) != 0 {
		t.Fatalf("registry=%v want empty", got)
	}
}

func TestWSGateway_PingPongPublishAndDisconnect(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, f.wsURL("good"), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	waitFor(t, func() bool { return len(f.reg.List(ctx)) == 1 }, "connection registered")
	rec := f.reg.List(ctx)[0]
	if rec.UserID != "u1" {
		t.Fatalf("UserID=%q want=u1", rec.UserID)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if m := readEvent(t, ctx, c); m.EventType() != v1.TypePong {
		t.Fatalf("got %q want pong", m.EventType())
	}

	// Garbage is ignored and the socket stays open.
	if err := c.Write(ctx, websocket.MessageText, []byte(`garbage`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	rep := f.pub.Publish(ctx, v1.QueueUpdated{DoctorID: "doc-1", Date: "2026-10-15"})
	if rep.Delivered != 1 {
		t.Fatalf("publish report=%+v", rep)
	}
	m := readEvent(t, ctx, c)
	q, ok := m.(v1.QueueUpdated)
	if !ok || q.DoctorID != "doc-1" || q.Date != "2026-10-15" {
		t.Fatalf("got %#v", m)
	}

	if err := c.Close(websocket.StatusNormalClosure, "done"); err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("close: %v", err)
	}
	waitFor(t, func() bool { return len(f.reg.List(ctx)) == 0 && f.hub.Len() == 0 }, "connection released")
}

func TestWSGateway_GoneConnectionIsCleanedOnPublish(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx := context.Background()

	// Left behind without a socket in this hub.
	f.reg.Add(ctx, ConnectionRecord{ConnectionID: "orphan", UserID: "u2"})

	rep := f.pub.Publish(ctx, v1.QueueUpdated{DoctorID: "doc-1", Date: "2026-10-15"})
	if rep.Gone != 1 {
		t.Fatalf("report=%+v want one gone", rep)
	}
	if got := f.reg.List(ctx); len(got) != 0 {
		t.Fatalf("registry=%v want empty", got)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := NewWSGateway(discardLogger(), nil, nil, WSConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://clinic.example.com", "http://localhost:5173"},
	})

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: false},
		{origin: "https://clinic.example.com", ok: true},
		{origin: "http://localhost:3000", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin=%q err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	want := []string{"clinic.example.com", "localhost"}
	if got := g.originPatterns; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("originPatterns=%v want=%v", got, want)
	}
}

func TestLoadWSConfigFromEnv(t *testing.T) {
	t.Setenv("MOLAR_WS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("MOLAR_WS_SEND_QUEUE", "2")
	t.Setenv("MOLAR_WS_READ_IDLE_TIMEOUT", "nope")

	cfg := LoadWSConfigFromEnv()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize=%d want=%d", cfg.SendQueueSize, wsMinSendQueueSize)
	}
	if cfg.ReadIdleTimeout != defaultStaleAfter {
		t.Fatalf("ReadIdleTimeout=%v want=%v", cfg.ReadIdleTimeout, defaultStaleAfter)
	}
}

// publishOnPut fans out an event the moment a record is stored, the tightest
// window between registration and the socket becoming reachable.
type publishOnPut struct {
	ConnectionStore
	pub *Publisher

	mu   sync.Mutex
	last PublishReport
}

func (s *publishOnPut) report() PublishReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *publishOnPut) Put(ctx context.Context, rec ConnectionRecord) error {
	if err := s.ConnectionStore.Put(ctx, rec); err != nil {
		return err
	}
	rep := s.pub.Publish(ctx, v1.QueueUpdated{DoctorID: "doc-race", Date: "2026-10-15"})
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return nil
}

func TestWSGateway_PublishDuringConnectKeepsConnection(t *testing.T) {
	t.Parallel()

	log := discardLogger()
	store := &publishOnPut{ConnectionStore: NewMemoryStore()}
	reg := NewRegistry(store, log)
	hub := NewHub()
	pub := NewPublisher(reg, Static(hub), log)
	store.pub = pub
	lc := NewLifecycle(reg, pub, fakeVerifier{users: map[string]string{"good": "u1"}}, log, nil)

	cfg := LoadWSConfigFromEnv()
	cfg.OriginRequired = false
	srv := httptest.NewServer(NewWSGateway(log, hub, lc, cfg))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good"
	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{Subprotocols: []string{wsSubprotocolV1}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	if rep := store.report(); rep.Gone != 0 || rep.Delivered != 1 {
		t.Fatalf("publish during connect report=%+v want one delivered", rep)
	}
	if got := reg.List(ctx); len(got) != 1 {
		t.Fatalf("registry=%v want the live connection", got)
	}
	if q, ok := readEvent(t, ctx, c).(v1.QueueUpdated); !ok || q.DoctorID != "doc-race" {
		t.Fatalf("expected the event queued during connect, got %#v", q)
	}

	rep := pub.Publish(ctx, v1.QueueUpdated{DoctorID: "doc-2", Date: "2026-10-15"})
	if rep.Targets != 1 || rep.Delivered != 1 {
		t.Fatalf("later publish report=%+v", rep)
	}
}
