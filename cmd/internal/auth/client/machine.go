package authclient

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultLoginPath is the route that never triggers a bootstrap refresh.
const DefaultLoginPath = "/login"

// BootstrapResult is the outcome of Machine.Bootstrap.
type BootstrapResult struct {
	State State
	// RedirectTo is set when the caller should navigate to the login route.
	RedirectTo string
}

// Machine owns the client session and its state transitions.
type Machine struct {
	api       API
	store     SnapshotStore
	log       *slog.Logger
	now       func() time.Time
	loginPath string

	flight singleflight.Group

	mu    sync.Mutex
	state State
	sess  Session
	subs  map[chan State]struct{}
	// gen changes whenever the session is replaced or cleared by Login,
	// Logout or Restore. A refresh that started under an older gen is discarded.
	gen uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSnapshotStore persists the session through s.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(m *Machine) {
		if s != nil {
			m.store = s
		}
	}
}

// WithLoginPath overrides DefaultLoginPath.
func WithLoginPath(p string) Option {
	return func(m *Machine) {
		if strings.HasPrefix(p, "/") {
			m.loginPath = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMachine returns a Machine in StateChecking.
func NewMachine(api API, opts ...Option) *Machine {
	m := &Machine{
		api:       api,
		store:     NewMemorySnapshotStore(),
		log:       slog.Default(),
		now:       time.Now,
		loginPath: DefaultLoginPath,
		state:     StateChecking,
		subs:      make(map[chan State]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Subscribe returns a channel receiving every state change and a func that
// stops the subscription. Slow readers only see the latest state.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Bootstrap resolves StateChecking. On the login route it settles on
// unauthenticated without any network call; elsewhere it attempts a refresh.
// Concurrent callers share a single refresh.
func (m *Machine) Bootstrap(ctx context.Context, currentPath string) BootstrapResult {
	if st := m.State(); st != StateChecking {
		return m.result(st, currentPath)
	}
	if m.isLoginRoute(currentPath) {
		m.mu.Lock()
		m.setStateLocked(StateUnauthenticated)
		m.mu.Unlock()
		return BootstrapResult{State: StateUnauthenticated}
	}

	_ = m.Refresh(ctx)
	return m.result(m.State(), currentPath)
}

func (m *Machine) result(st State, currentPath string) BootstrapResult {
	if st != StateUnauthenticated || m.isLoginRoute(currentPath) {
		return BootstrapResult{State: st}
	}
	return BootstrapResult{State: st, RedirectTo: m.loginRedirect(currentPath)}
}

func (m *Machine) isLoginRoute(p string) bool {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return p == m.loginPath || p == m.loginPath+"/"
}

func (m *Machine) loginRedirect(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return m.loginPath
	}
	return m.loginPath + "?next=" + url.QueryEscape(next)
}

// Login exchanges primary credentials for a fresh session.
func (m *Machine) Login(ctx context.Context, creds Credentials) error {
	b, err := m.api.Login(ctx, creds)

	m.mu.Lock()
	defer m.mu.Unlock()

	var sess Session
	if err == nil {
		now := m.now()
		sess = Session{}.merge(b, now)
		if !sess.Authenticated(now) || !sess.AccessValid(now) {
			err = errIncompleteBundle
		}
	}
	if err != nil {
		m.log.Info("authclient.login.fail", "err", err)
		if m.state == StateChecking {
			m.setStateLocked(StateUnauthenticated)
		}
		return err
	}

	m.gen++
	m.sess = sess
	m.persistLocked()
	m.setStateLocked(StateAuthenticated)
	m.log.Info("authclient.login.ok", "user_id", m.sess.UserID, "role", m.sess.Role)
	return nil
}

// Refresh obtains a new access credential. Any failure signs the user out.
// Concurrent calls share one request.
func (m *Machine) Refresh(ctx context.Context) error {
	_, err, _ := m.flight.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Machine) refresh(ctx context.Context) error {
	m.mu.Lock()
	rt, gen := m.sess.RefreshToken, m.gen
	m.mu.Unlock()

	b, err := m.api.Refresh(ctx, rt)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		// Logged out or signed in again while the request was in flight.
		m.log.Info("authclient.refresh.discard", "reason", "session_changed")
		if m.state == StateAuthenticated {
			return nil
		}
		return ErrUnauthenticated
	}

	now := m.now()
	if err == nil {
		next := m.sess.merge(b, now)
		if next.Authenticated(now) && next.AccessValid(now) {
			m.sess = next
			m.persistLocked()
			m.setStateLocked(StateAuthenticated)
			return nil
		}
		err = errIncompleteBundle
	}

	m.log.Info("authclient.refresh.fail", "err", err)
	m.gen++
	m.clearLocked()
	m.setStateLocked(StateUnauthenticated)
	if errors.Is(err, ErrUnauthenticated) {
		return err
	}
	return errors.Join(ErrUnauthenticated, err)
}

// Logout clears the session and asks the server to invalidate the refresh
// credential. The local transition happens even if the server call fails; its
// error is returned for reporting only.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	rt := m.sess.RefreshToken
	m.gen++
	m.clearLocked()
	m.setStateLocked(StateUnauthenticated)
	m.mu.Unlock()

	if err := m.api.Logout(ctx, rt); err != nil {
		m.log.Warn("authclient.logout.server_fail", "err", err)
		return err
	}
	return nil
}

// Restore loads the persisted snapshot. A missing, unreadable or expired
// snapshot is discarded; an expired access credential is dropped so the next
// AccessToken call refreshes.
func (m *Machine) Restore() State {
	snap, ok, err := m.store.Load()
	if err != nil {
		m.log.Warn("authclient.restore.load_fail", "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.gen++
	if err != nil || !ok || !snap.Authenticated(now) {
		m.clearLocked()
		m.setStateLocked(StateUnauthenticated)
		return m.state
	}
	m.sess = snap.withoutExpiredAccess(now)
	m.persistLocked()
	m.setStateLocked(StateAuthenticated)
	return m.state
}

// AccessToken returns a valid access token, refreshing first when it is
// missing or expired. It never calls the network once unauthenticated.
func (m *Machine) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	st, sess := m.state, m.sess
	now := m.now()
	m.mu.Unlock()

	if st == StateUnauthenticated {
		return "", ErrUnauthenticated
	}
	if st == StateAuthenticated && sess.AccessValid(now) {
		return sess.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}
	sess = m.Session()
	if !sess.AccessValid(m.now()) {
		return "", ErrUnauthenticated
	}
	return sess.AccessToken, nil
}

// invalidateAccess forgets tok if it is still the current access token.
func (m *Machine) invalidateAccess(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.AccessToken == tok {
		m.sess.AccessToken = ""
		m.sess.AccessExpiresAt = 0
	}
}

func (m *Machine) clearLocked() {
	m.sess = Session{}
	if err := m.store.Clear(); err != nil {
		m.log.Warn("authclient.snapshot.clear_fail", "err", err)
	}
}

func (m *Machine) persistLocked() {
	if err := m.store.Save(m.sess.withoutExpiredAccess(m.now())); err != nil {
		m.log.Warn("authclient.snapshot.save_fail", "err", err)
	}
}

func (m *Machine) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.log.Debug("authclient.state", "from", m.state, "to", st)
	m.state = st
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
