package feed

import (
	"os"
	"strconv"
	"strings"
)

const (
	DefaultTopic   = "molar.visits.queue_updated"
	DefaultGroupID = "molar-realtime"
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// LoadConfigFromEnv reads MOLAR_KAFKA_* variables. Brokers are comma separated.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Topic:    DefaultTopic,
		GroupID:  DefaultGroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	}
	for _, b := range strings.Split(os.Getenv("MOLAR_KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if v := strings.TrimSpace(os.Getenv("MOLAR_KAFKA_TOPIC")); v != "" {
		cfg.Topic = v
	}
	if v := strings.TrimSpace(os.Getenv("MOLAR_KAFKA_GROUP_ID")); v != "" {
		cfg.GroupID = v
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("MOLAR_KAFKA_MAX_BYTES"))); err == nil && n > 0 {
		cfg.MaxBytes = n
	}
	return cfg
}
