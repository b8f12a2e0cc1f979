// Package main provides a CI-friendly smoke test for molar realtime.
//
// It validates:
//   - login through the client session machine
//   - WebSocket handshake with an access token and subprotocol selection
//   - ping -> pong on the same connection only
//   - queue_updated fan-out to every connection, triggered over HTTP or Kafka
//   - logout
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	authclient "molar/cmd/internal/auth/client"
	"molar/cmd/internal/feed"
	v1 "molar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "molar.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Message
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		user     = flag.String("user", os.Getenv("MOLAR_SEED_USER"), "Username")
		pass     = flag.String("password", os.Getenv("MOLAR_SEED_PASSWORD"), "Password")
		doctorID = flag.String("doctor", "doc-smoke", "Doctor ID for the queue event")
		brokers  = flag.String("kafka", "", "Comma separated Kafka brokers; when set the event goes through the feed topic")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(*baseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -base: %q", *baseURL)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	api, err := authclient.NewHTTPAPI(*baseURL)
	if err != nil {
		fatalf("auth api: %v", err)
	}
	m := authclient.NewMachine(api)

	ctx, cancel := context.WithTimeout(root, *timeout)
	if err := m.Login(ctx, authclient.Credentials{Username: *user, Password: *pass}); err != nil {
		cancel()
		fatalf("login: %v", err)
	}
	cancel()

	sess := m.Session()
	if *verbose {
		fmt.Printf("logged in: user=%s role=%s\n", sess.UserID, sess.Role)
	}

	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = url.Values{"token": {sess.AccessToken}}.Encode()

	a := mustConnect(root, "A", wsURL.String(), *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL.String(), *origin, *timeout)
	defer closeWS(b.conn)

	mustWrite(root, a.conn, v1.Ping{}, *timeout)
	if _, ok := a.mustReadUntil(root, v1.TypePong, *timeout).(v1.Pong); !ok {
		fatalf("A: expected pong")
	}
	mustAssertNoType(root, b, v1.TypePong, 750*time.Millisecond)

	ev := v1.QueueUpdated{DoctorID: *doctorID, Date: time.Now().UTC().Format(v1.DateLayout)}
	if strings.TrimSpace(*brokers) != "" {
		mustProduce(root, *brokers, ev, *timeout)
	} else {
		mustTriggerHTTP(root, m, *baseURL, ev, *timeout)
	}

	for _, c := range []*smokeClient{a, b} {
		got, ok := c.mustReadUntil(root, v1.TypeQueueUpdated, *timeout).(v1.QueueUpdated)
		if !ok || got != ev {
			fatalf("%s: queue_updated mismatch: got=%+v want=%+v", c.name, got, ev)
		}
	}

	ctx, cancel = context.WithTimeout(root, *timeout)
	defer cancel()
	if err := m.Logout(ctx); err != nil {
		fatalf("logout: %v", err)
	}
	if m.State() != authclient.StateUnauthenticated {
		fatalf("logout: state=%s", m.State())
	}

	fmt.Printf("OK: user=%s doctor=%s date=%s\n", sess.UserID, ev.DoctorID, ev.Date)
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if resp != nil {
		if got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol")); got != "" && got != defaultSubprotocol {
			fatalf("subprotocol mismatch: got=%q want=%q", got, defaultSubprotocol)
		}
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Message, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.errCh <- err
			return
		}
		msg, err := v1.Parse(data)
		if err != nil {
			c.errCh <- fmt.Errorf("parse frame: %w", err)
			return
		}
		c.inbox <- msg
	}
}

func (c *smokeClient) mustReadUntil(parent context.Context, typ string, d time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	for {
		select {
		case msg := <-c.inbox:
			if msg.EventType() == typ {
				return msg
			}
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case <-ctx.Done():
			fatalf("%s: timed out waiting for %s", c.name, typ)
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, typ string, d time.Duration) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	for {
		select {
		case msg := <-c.inbox:
			if msg.EventType() == typ {
				fatalf("%s: unexpected %s", c.name, typ)
			}
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case <-ctx.Done():
			return
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, m v1.Message, d time.Duration) {
	data, err := v1.Marshal(m)
	if err != nil {
		fatalf("marshal %s: %v", m.EventType(), err)
	}
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %s: %v", m.EventType(), err)
	}
}

func mustTriggerHTTP(parent context.Context, m *authclient.Machine, baseURL string, ev v1.QueueUpdated, d time.Duration) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		fatalf("marshal event: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/realtime/events/queue-updated", bytes.NewReader(body))
	if err != nil {
		fatalf("build trigger: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Transport: m.RoundTripper(nil)}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("trigger: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fatalf("trigger: status=%d", resp.StatusCode)
	}
}

func mustProduce(parent context.Context, brokers string, ev v1.QueueUpdated, d time.Duration) {
	cfg := feed.LoadConfigFromEnv()
	cfg.Brokers = strings.Split(brokers, ",")

	p := feed.NewProducer(cfg, "ws-smoke")
	defer func() { _ = p.Close() }()

	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	if err := p.QueueUpdated(ctx, ev); err != nil {
		fatalf("produce: %v", err)
	}
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
