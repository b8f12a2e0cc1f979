package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"molar/cmd/identity"
	"molar/cmd/internal/auth/session"
	"molar/cmd/internal/realtime"
	v1 "molar/shared/contracts/realtime/v1"
)

// QueuePublisher fans a realtime event out to connected clients.
type QueuePublisher interface {
	Publish(ctx context.Context, m v1.Message) realtime.PublishReport
}

// Handler wires HTTP auth endpoints to the identity and session services.
type Handler struct {
	log *slog.Logger
	cfg     Config
	cookies sessionCookies

	auth     *identity.Authenticator
	sessions *session.Service

	publisher QueuePublisher
	limiter   FailureLimiter
	metrics   *Metrics
	now       func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPublisher enables POST /realtime/events/queue-updated.
func WithPublisher(p QueuePublisher) HandlerOption {
	return func(h *Handler) { h.publisher = p }
}

// WithLimiter replaces the default in-memory login failure limiter.
func WithLimiter(l FailureLimiter) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.limiter = l
		}
	}
}

// WithMetrics attaches metrics collectors.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, auth *identity.Authenticator, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if auth == nil || sessions == nil {
		return nil, errors.New("authapi: authenticator and session service are required")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		cfg:      cfg.sanitized(),
		auth:     auth,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.limiter == nil {
		h.limiter = NewMemoryLimiter(h.now)
	}
	h.cookies = newSessionCookies(h.cfg)
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/me", h.handleMe)
	if h.publisher != nil {
		mux.HandleFunc("/realtime/events/queue-updated", h.handleQueueUpdated)
	}
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	username := identity.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "username and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	keys := loginKeys(ip, username)

	for _, k := range keys {
		blocked, retryAfter, err := h.limiter.Blocked(ctx, k.key, k.max(h.cfg))
		if err != nil {
			h.log.Error("auth.login.throttle.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, codeServerBusy, "please retry later")
			return
		}
		if blocked {
			h.log.Warn("auth.login.rate_limited", "key_kind", k.kind, "retry_after", retryAfter)
			h.metrics.login("rate_limited")
			writeRateLimited(w, retryAfter)
			return
		}
	}

	u, err := h.auth.Authenticate(ctx, username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			for _, k := range keys {
				if ferr := h.limiter.Fail(ctx, k.key, h.cfg.LoginWindow); ferr != nil {
					h.log.Error("auth.login.throttle_record.fail", "err", ferr)
				}
			}
			h.log.Info("auth.login.failed", "ip", ipString(ip))
			h.metrics.login("invalid_credentials")
			writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			return
		}
		h.log.Error("auth.login.lookup.fail", "err", err)
		h.metrics.login("error")
		writeServerError(w)
		return
	}
	if err := h.limiter.Reset(ctx, keys[len(keys)-1].key); err != nil {
		h.log.Warn("auth.login.throttle_reset.fail", "err", err)
	}

	issued, err := h.sessions.IssueSession(ctx, now, u.ID, string(u.Role), h.device(r, ip))
	if err != nil {
		h.log.Error("auth.login.issue_session.fail", "err", err)
		h.metrics.login("error")
		writeServerError(w)
		return
	}
	if _, err := h.cookies.issue(w, issued.RefreshToken, issued.RefreshExp); err != nil {
		h.log.Error("auth.login.cookie.fail", "err", err)
		writeServerError(w)
		return
	}

	h.log.Info("auth.login.ok", "user_id", u.ID, "session_id", issued.SessionID, "role", u.Role)
	h.metrics.login("ok")
	writeJSON(w, http.StatusOK, toAuthResponse(issued, now))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	refreshToken, ok := h.presentedRefreshToken(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := h.now()
	issued, err := h.sessions.RotateRefresh(ctx, now, refreshToken, h.device(r, clientIP(r, h.cfg.TrustProxy)))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuseDetected):
			h.log.Warn("auth.refresh.reuse_detected", "ip", ipString(clientIP(r, h.cfg.TrustProxy)))
			h.metrics.refresh("reuse")
			h.cookies.clear(w)
			writeError(w, http.StatusUnauthorized, codeRefreshReuseDetected, "refresh token reuse detected")
		case session.IsAuthError(err):
			h.metrics.refresh("invalid")
			h.cookies.clear(w)
			writeError(w, http.StatusUnauthorized, codeSessionNotActive, "session not active")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			h.metrics.refresh("error")
			writeServerError(w)
		}
		return
	}

	if _, err := h.cookies.issue(w, issued.RefreshToken, issued.RefreshExp); err != nil {
		h.log.Error("auth.refresh.cookie.fail", "err", err)
		writeServerError(w)
		return
	}

	h.log.Debug("auth.refresh.ok", "user_id", issued.UserID, "session_id", issued.SessionID)
	h.metrics.refresh("ok")
	writeJSON(w, http.StatusOK, toAuthResponse(issued, now))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeBodyError(w, err)
			return
		}
	}

	ctx := r.Context()
	now := h.now()

	var sessionID string
	var err error
	cookieTok, cookieOK := h.cookies.refreshToken(r)
	switch {
	case strings.TrimSpace(req.RefreshToken) != "":
		sessionID, err = h.sessions.RevokeByRefreshToken(ctx, now, strings.TrimSpace(req.RefreshToken))
	case cookieOK && h.cookies.csrfValid(r):
		sessionID, err = h.sessions.RevokeByRefreshToken(ctx, now, cookieTok)
	case bearerToken(r) != "":
		claims, verr := h.sessions.ValidateAccessToken(ctx, bearerToken(r), now)
		if verr == nil {
			sessionID = claims.SessionID
			err = h.sessions.RevokeSession(ctx, now, sessionID)
		}
	}
	if err != nil && !session.IsAuthError(err) {
		h.log.Error("auth.logout.fail", "err", err)
		writeServerError(w)
		return
	}
	if sessionID != "" {
		h.log.Info("auth.logout.ok", "session_id", sessionID)
	}

	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.auth.Lookup(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		UserID:    u.ID,
		Username:  u.Username,
		Role:      string(u.Role),
		SessionID: claims.SessionID,
	})
}

func (h *Handler) handleQueueUpdated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var ev v1.QueueUpdated
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &ev); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	rep := h.publisher.Publish(r.Context(), ev)
	h.log.Info("realtime.queue_updated.published",
		"user_id", claims.UserID,
		"doctor_id", ev.DoctorID,
		"date", ev.Date,
		"targets", rep.Targets,
		"delivered", rep.Delivered,
		"gone", rep.Gone,
		"failed", rep.Failed,
	)
	writeJSON(w, http.StatusAccepted, publishResponse{
		Targets:   rep.Targets,
		Delivered: rep.Delivered,
		Gone:      rep.Gone,
		Failed:    rep.Failed,
		Skipped:   rep.Skipped,
	})
}

// ---- helpers ----

// presentedRefreshToken prefers the body token; a cookie token needs a matching CSRF header.
func (h *Handler) presentedRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeBodyError(w, err)
			return "", false
		}
	}
	if tok := strings.TrimSpace(req.RefreshToken); tok != "" {
		return tok, true
	}
	tok, ok := h.cookies.refreshToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeSessionNotActive, "no refresh credential")
		return "", false
	}
	if !h.cookies.csrfValid(r) {
		writeError(w, http.StatusForbidden, codeCSRFInvalid, "missing or invalid csrf token")
		return "", false
	}
	return tok, true
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(r.Context(), token, h.now())
	if err != nil {
		if !session.IsAuthError(err) {
			h.log.Error("auth.validate.fail", "err", err)
		}
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) device(r *http.Request, ip net.IP) session.DeviceContext {
	return session.DeviceContext{UserAgent: strings.TrimSpace(r.UserAgent()), IP: ip}
}

type loginKey struct {
	kind string
	key  string
}

func (k loginKey) max(cfg Config) int {
	if k.kind == "ip" {
		return cfg.LoginIPMax
	}
	return cfg.LoginUserMax
}

// loginKeys returns the throttle keys for an attempt; the user key is always last.
func loginKeys(ip net.IP, username string) []loginKey {
	keys := make([]loginKey, 0, 2)
	if ip != nil {
		keys = append(keys, loginKey{kind: "ip", key: "ip:" + ip.String()})
	}
	return append(keys, loginKey{kind: "user", key: "user:" + username})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many attempts")
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
