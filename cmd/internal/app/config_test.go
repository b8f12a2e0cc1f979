package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("MOLAR_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("MOLAR_LOG_FORMAT", "pretty")
	t.Setenv("MOLAR_REALTIME_STORE", "redis")
	t.Setenv("MOLAR_REALTIME_ENDPOINT", "https://gw.example.com/prod")
	t.Setenv("MOLAR_REALTIME_SWEEP_INTERVAL", "15s")
	t.Setenv("MOLAR_CORS_ALLOWED_ORIGINS", " https://a.example.com, ,http://127.0.0.1:* ")
	t.Setenv("MOLAR_DB_MAX_CONNS", "not-a-number")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" || cfg.LogFormat != "pretty" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("SweepInterval=%v", cfg.SweepInterval)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.DBMaxConns)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://127.0.0.1:*" {
		t.Fatalf("CORSAllowedOrigins=%q", cfg.CORSAllowedOrigins)
	}
	if got := cfg.registryStore(); got != StoreRedis {
		t.Fatalf("registryStore()=%q", got)
	}
}

func TestConfigRegistryStoreDefaults(t *testing.T) {
	t.Parallel()

	const gw = "https://gw.example.com/prod"

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "nothing configured", cfg: Config{}, want: StoreMemory},
		{name: "local transport ignores shared db", cfg: Config{DatabaseURL: "postgres://x", RedisURL: "redis://x"}, want: StoreMemory},
		{name: "local transport ignores explicit redis", cfg: Config{RedisURL: "redis://x", RegistryStore: StoreRedis}, want: StoreMemory},
		{name: "local transport may disable", cfg: Config{RegistryStore: StoreNone}, want: StoreNone},
		{name: "managed redis only", cfg: Config{ManagementEndpoint: gw, RedisURL: "redis://localhost:6379"}, want: StoreRedis},
		{name: "managed db wins", cfg: Config{ManagementEndpoint: gw, RedisURL: "redis://x", DatabaseURL: "postgres://x"}, want: StorePostgres},
		{name: "managed explicit none", cfg: Config{ManagementEndpoint: gw, DatabaseURL: "postgres://x", RegistryStore: StoreNone}, want: StoreNone},
	}
	for _, tc := range cases {
		if got := tc.cfg.registryStore(); got != tc.want {
			t.Fatalf("%s: registryStore()=%q want %q", tc.name, got, tc.want)
		}
	}
}
