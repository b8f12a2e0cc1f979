// Package app wires the molar server runtime: config, logging, stores,
// the auth API, the realtime layer and the queue feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"molar/cmd/identity"
	authapi "molar/cmd/internal/auth/api"
	"molar/cmd/internal/auth/session"
	"molar/cmd/internal/feed"
	"molar/cmd/internal/realtime"
	"molar/cmd/security/password"
	"molar/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the molar server runtime. It owns the shared pools and the
// background loops started by Run.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client

	registry *realtime.Registry
	feed     *feed.Consumer

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		if a.dbPool, err = NewDBPool(ctx, cfg); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("db.enabled")
	} else {
		log.Info("db.disabled.inmemory_stores")
	}

	if cfg.RedisURL != "" {
		if a.redis, err = NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		log.Info("redis.enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	authn, err := a.newAuthenticator(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := a.newSessionService(hasher)
	if err != nil {
		return nil, err
	}

	rtMetrics := realtime.NewMetrics(reg)
	connStore, err := a.newConnectionStore()
	if err != nil {
		return nil, err
	}
	a.registry = realtime.NewRegistry(connStore, log,
		realtime.WithStaleAfter(cfg.StaleAfter),
		realtime.WithRegistryMetrics(rtMetrics),
	)

	hub := realtime.NewHub()
	var source realtime.TransportSource = realtime.Static(hub)
	if cfg.ManagementEndpoint != "" {
		// Re-read on every batch.
		endpoint := func() string { return EnvString("MOLAR_REALTIME_ENDPOINT", cfg.ManagementEndpoint) }
		source = realtime.NewTransportProvider(endpoint,
			realtime.ManagementFactory(realtime.ManagementConfig{Name: "management"}, log, rtMetrics))
		log.Info("realtime.transport.management")
	} else {
		log.Info("realtime.transport.local")
	}

	publisher := realtime.NewPublisher(a.registry, source, log,
		realtime.WithMaxConcurrency(cfg.PublishConcurrency),
		realtime.WithPublisherMetrics(rtMetrics),
	)
	lc := realtime.NewLifecycle(a.registry, publisher, sessions, log, rtMetrics)

	rt := routes{
		dbPool:   a.dbPool,
		gatherer: reg,
		ws:       realtime.NewWSGateway(log, hub, lc, realtime.LoadWSConfigFromEnv()),
	}
	if a.redis != nil {
		rt.redis = a.redis
	}
	if cfg.ManagementEndpoint != "" {
		if cfg.GatewaySecret == "" {
			log.Warn("realtime.lifecycle.unauthenticated", "reason", "MOLAR_REALTIME_GATEWAY_SECRET not set")
		}
		rt.lifecycle = realtime.NewLifecycleHTTP(lc, cfg.GatewaySecret, log)
	}

	var limiter authapi.FailureLimiter = authapi.NewMemoryLimiter(nil)
	if a.redis != nil {
		if limiter, err = authapi.NewRedisLimiter(a.redis, ""); err != nil {
			return nil, err
		}
	}
	rt.auth, err = authapi.NewHandler(log, authapi.LoadConfigFromEnv(), authn, sessions,
		authapi.WithPublisher(publisher),
		authapi.WithLimiter(limiter),
		authapi.WithMetrics(authapi.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	if fc := feed.LoadConfigFromEnv(); fc.Enabled() {
		a.feed = feed.NewConsumer(fc, publisher, log, feed.NewMetrics(reg))
		log.Info("feed.enabled", "topic", fc.Topic, "group", fc.GroupID)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, rt)
	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log, NewMetrics(reg))

	return a, nil
}

func (a *App) newAuthenticator(ctx context.Context) (*identity.Authenticator, error) {
	pw, err := password.FromEnv()
	if err != nil {
		return nil, err
	}

	var store identity.Store = identity.NewMemoryStore()
	if a.dbPool != nil {
		if store, err = identity.NewPostgresStore(a.dbPool); err != nil {
			return nil, err
		}
	}
	authn := identity.NewAuthenticator(store, pw, a.log)

	if a.cfg.SeedUser == "" {
		return authn, nil
	}
	role, ok := identity.ParseRole(a.cfg.SeedRole)
	if !ok {
		return nil, fmt.Errorf("MOLAR_SEED_ROLE: unknown role %q", a.cfg.SeedRole)
	}
	u, created, err := authn.EnsureUser(ctx, time.Now().UTC(), a.cfg.SeedUser, a.cfg.SeedPassword, role)
	if err != nil {
		return nil, fmt.Errorf("seed user: %w", err)
	}
	a.log.Info("identity.seed", "user_id", u.ID, "role", string(u.Role), "created", created)
	return authn, nil
}

func (a *App) newSessionService(hasher token.Hasher) (*session.Service, error) {
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.EphemeralKey {
		a.log.Warn("session.paseto.ephemeral_key", "reason", "tokens will not survive a restart")
	}
	tokens, err := session.NewAccessTokenManager(cfg)
	if err != nil {
		return nil, err
	}

	var store session.Store = session.NewMemoryStore()
	if a.dbPool != nil {
		if store, err = session.NewPostgresStore(a.dbPool); err != nil {
			return nil, err
		}
	}
	return session.NewService(cfg, store, tokens, session.WithRefreshHasher(hasher)), nil
}

func (a *App) newConnectionStore() (realtime.ConnectionStore, error) {
	kind := a.cfg.registryStore()
	if want := a.cfg.RegistryStore; want != "" && want != kind {
		a.log.Warn("realtime.registry.store.override", "requested", want, "kind", kind, "reason", "local transport")
	}
	switch kind {
	case StoreNone:
		a.log.Warn("realtime.registry.disabled")
		return nil, nil
	case StoreMemory:
		a.log.Info("realtime.registry.store", "kind", kind)
		return realtime.NewMemoryStore(), nil
	case StoreRedis:
		if a.redis == nil {
			return nil, errors.New("MOLAR_REALTIME_STORE=redis requires MOLAR_REDIS_URL")
		}
		a.log.Info("realtime.registry.store", "kind", kind)
		return realtime.NewRedisStore(a.redis, a.log, realtime.WithRedisTTL(2*realtime.HeartbeatInterval+a.staleAfter()))
	case StorePostgres:
		if a.dbPool == nil {
			return nil, errors.New("MOLAR_REALTIME_STORE=postgres requires MOLAR_DATABASE_URL")
		}
		a.log.Info("realtime.registry.store", "kind", kind)
		return realtime.NewPostgresStore(a.dbPool)
	default:
		return nil, fmt.Errorf("MOLAR_REALTIME_STORE: unknown store %q", kind)
	}
}

func (a *App) staleAfter() time.Duration {
	if a.cfg.StaleAfter > 0 {
		return a.cfg.StaleAfter
	}
	return 3 * realtime.HeartbeatInterval
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the background loops and blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	var wg sync.WaitGroup
	sweeperDone := realtime.StartSweeper(bgCtx, a.registry, a.cfg.SweepInterval, 10*time.Second, a.log)

	if a.feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.feed.Run(bgCtx); err != nil {
				a.log.Error("feed.stopped", "err", err)
			}
		}()
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	stopBackground()
	<-sweeperDone
	wg.Wait()
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			a.log.Error("feed.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
