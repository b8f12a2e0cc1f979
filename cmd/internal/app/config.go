package app

import "time"

// Registry store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	RedisURL string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, MOLAR_TOKEN_HMAC_KEY must be set (>= 32 bytes) and refresh-token hashing is HMAC-based.
	RequireTokenHMAC bool

	// RegistryStore selects the connection registry backend: memory, redis, postgres or none.
	// Shared backends apply only with a ManagementEndpoint; empty picks postgres when a DB
	// is configured, else redis when Redis is, else memory.
	RegistryStore string
	StaleAfter    time.Duration
	SweepInterval time.Duration

	// ManagementEndpoint switches delivery to a managed gateway's connection API.
	ManagementEndpoint string
	// GatewaySecret authenticates lifecycle callbacks from the managed gateway.
	GatewaySecret      string
	PublishConcurrency int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	SeedUser     string
	SeedPassword string
	SeedRole     string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("MOLAR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MOLAR_LOG_LEVEL", "info"),
		LogFormat: EnvString("MOLAR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("MOLAR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MOLAR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MOLAR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MOLAR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("MOLAR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("MOLAR_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("MOLAR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MOLAR_DB_MIN_CONNS", 0),

		RedisURL: EnvString("MOLAR_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("MOLAR_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("MOLAR_REQUIRE_TOKEN_HMAC", false),

		RegistryStore: EnvString("MOLAR_REALTIME_STORE", ""),
		StaleAfter:    EnvDuration("MOLAR_REALTIME_STALE_AFTER", 0),
		SweepInterval: EnvDuration("MOLAR_REALTIME_SWEEP_INTERVAL", time.Minute),

		ManagementEndpoint: EnvString("MOLAR_REALTIME_ENDPOINT", ""),
		GatewaySecret:      EnvString("MOLAR_REALTIME_GATEWAY_SECRET", ""),
		PublishConcurrency: EnvInt("MOLAR_REALTIME_PUBLISH_CONCURRENCY", 32),

		CORSAllowedOrigins:   EnvCSV("MOLAR_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("MOLAR_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("MOLAR_CORS_MAX_AGE_SECONDS", 600),

		SeedUser:     EnvString("MOLAR_SEED_USER", ""),
		SeedPassword: EnvString("MOLAR_SEED_PASSWORD", ""),
		SeedRole:     EnvString("MOLAR_SEED_ROLE", "admin"),
	}
}

// registryStore resolves the effective registry backend.
//
// Without a management endpoint every socket lives in this process's Hub, so
// the registry is per-process memory: a shared store would let one replica
// report another replica's sockets as gone and delete them.
func (c Config) registryStore() string {
	if c.ManagementEndpoint == "" {
		if c.RegistryStore == StoreNone {
			return StoreNone
		}
		return StoreMemory
	}
	if c.RegistryStore != "" {
		return c.RegistryStore
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}
