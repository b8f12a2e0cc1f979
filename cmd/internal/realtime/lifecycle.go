package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"molar/cmd/internal/auth/session"
	v1 "molar/shared/contracts/realtime/v1"
)

// Ack is the acknowledgement returned to the WebSocket transport.
type Ack struct {
	StatusCode int
	Body       string
}

var (
	ackOK           = Ack{StatusCode: http.StatusOK, Body: "ok"}
	ackUnauthorized = Ack{StatusCode: http.StatusUnauthorized, Body: "unauthorized"}
	ackServerError  = Ack{StatusCode: http.StatusInternalServerError, Body: "internal error"}
)

// TokenVerifier validates access tokens presented at connect time.
// session.Service satisfies it.
type TokenVerifier interface {
	ValidateAccessToken(ctx context.Context, token string, now time.Time) (session.AccessClaims, error)
}

// Lifecycle implements the connect, disconnect and default routes.
// No entry point lets a panic escape.
type Lifecycle struct {
	registry  *Registry
	publisher *Publisher
	verifier  TokenVerifier
	log       *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewLifecycle constructs the handlers. publisher is used only for pong replies
// and may be nil.
func NewLifecycle(registry *Registry, publisher *Publisher, verifier TokenVerifier, log *slog.Logger, m *Metrics) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		registry:  registry,
		publisher: publisher,
		verifier:  verifier,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Connect authenticates token and binds connectionID to the verified user.
//
// Missing or invalid/expired tokens yield 401, unexpected verification errors
// yield 500. Only an accepted connection gets a registry entry.
func (l *Lifecycle) Connect(ctx context.Context, connectionID, token string) (ack Ack) {
	defer func() { l.metrics.connect(statusResult(ack.StatusCode)) }()
	defer l.recoverInto("connect", connectionID, &ack, ackServerError)

	token = strings.TrimSpace(token)
	if token == "" {
		l.log.Info("realtime.connect.reject", "connection_id", connectionID, "reason", "missing_token")
		return ackUnauthorized
	}
	if l.verifier == nil {
		l.log.Error("realtime.connect.fail", "connection_id", connectionID, "err", "no token verifier configured")
		return ackServerError
	}

	now := l.now()
	claims, err := l.verifier.ValidateAccessToken(ctx, token, now)
	if err != nil {
		if session.IsAuthError(err) {
			l.log.Info("realtime.connect.reject", "connection_id", connectionID, "reason", "invalid_token", "err", err)
			return ackUnauthorized
		}
		l.log.Error("realtime.connect.fail", "connection_id", connectionID, "err", err)
		return ackServerError
	}

	l.registry.Add(ctx, ConnectionRecord{
		ConnectionID: connectionID,
		UserID:       claims.UserID,
		CreatedAt:    now.UnixMilli(),
		LastSeenAt:   now.UnixMilli(),
	})
	l.log.Info("realtime.connect", "connection_id", connectionID, "user_id", claims.UserID)
	return ackOK
}

// ConnectIdentity is Connect for transports that already know the caller, returning
// the verified claims alongside the Ack.
func (l *Lifecycle) ConnectIdentity(ctx context.Context, connectionID, token string) (Ack, session.AccessClaims) {
	var claims session.AccessClaims
	wrapped := l.withCapture(&claims)
	return wrapped.Connect(ctx, connectionID, token), claims
}

// Disconnect releases connectionID. It always succeeds.
func (l *Lifecycle) Disconnect(ctx context.Context, connectionID string) (ack Ack) {
	defer l.recoverInto("disconnect", connectionID, &ack, ackOK)

	l.registry.Remove(ctx, connectionID)
	l.log.Info("realtime.disconnect", "connection_id", connectionID)
	return ackOK
}

// Default handles any other client frame. A ping refreshes liveness and gets a
// best-effort pong; everything else, including garbage, is accepted and ignored.
func (l *Lifecycle) Default(ctx context.Context, connectionID string, body []byte) (ack Ack) {
	defer l.recoverInto("default", connectionID, &ack, ackOK)

	m, err := v1.Parse(body)
	if err != nil {
		l.log.Debug("realtime.default.ignore", "connection_id", connectionID, "err", err)
		return ackOK
	}

	switch m.(type) {
	case v1.Ping:
		l.registry.Touch(ctx, connectionID)
		if l.publisher != nil {
			if err := l.publisher.Send(ctx, connectionID, v1.Pong{}); err != nil {
				l.log.Info("realtime.pong.fail", "connection_id", connectionID, "err", err)
			}
		}
	default:
		l.log.Debug("realtime.default.ignore", "connection_id", connectionID, "type", m.EventType())
	}
	return ackOK
}

func (l *Lifecycle) recoverInto(route, connectionID string, ack *Ack, fallback Ack) {
	if r := recover(); r != nil {
		l.log.Error("realtime.handler.panic", "route", route, "connection_id", connectionID, "panic", r)
		*ack = fallback
	}
}

// withCapture returns a shallow copy whose verifier records the claims it returns.
func (l *Lifecycle) withCapture(dst *session.AccessClaims) *Lifecycle {
	cp := *l
	cp.verifier = capturingVerifier{next: l.verifier, dst: dst}
	if l.verifier == nil {
		cp.verifier = nil
	}
	return &cp
}

type capturingVerifier struct {
	next TokenVerifier
	dst  *session.AccessClaims
}

func (c capturingVerifier) ValidateAccessToken(ctx context.Context, token string, now time.Time) (session.AccessClaims, error) {
	claims, err := c.next.ValidateAccessToken(ctx, token, now)
	if err == nil {
		*c.dst = claims
	}
	return claims, err
}

func statusResult(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "accepted"
	case code == http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}
