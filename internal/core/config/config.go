// Package config provides configuration management for pointsflow services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Engine   EngineConfig
	Outbox   OutboxConfig
	Metrics  MetricsConfig
}

// ServerConfig holds configuration for the gRPC API.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
}

// DatabaseConfig selects the store. The URL scheme picks the driver.
type DatabaseConfig struct {
	URL string
}

// NATSConfig covers event intake, action publishing and the remote catalog.
// An empty CatalogBucket keeps the builtin catalog.
type NATSConfig struct {
	URL            string
	Embedded       bool
	StoreDir       string
	EventsSubject  string
	QueueGroup     string
	ActionsPrefix  string
	ActionsStream  string
	CatalogBucket  string
	CatalogKey     string
	CatalogRefresh time.Duration
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	FanoutWorkers int
	AudienceCap   int
	CronTopic     string
	CronEnabled   bool
}

// OutboxConfig tunes the relay to JetStream.
type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
	DupWindow time.Duration
}

// MetricsConfig sets the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/pointsflow.db",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EventsSubject:  "pointsflow.events.>",
			QueueGroup:     "pointsflow",
			ActionsPrefix:  "pointsflow.actions",
			ActionsStream:  "POINTSFLOW_ACTIONS",
			CatalogKey:     "node-catalog",
			CatalogRefresh: time.Minute,
		},
		Engine: EngineConfig{
			FanoutWorkers: 8,
			AudienceCap:   10000,
			CronTopic:     "cron",
			CronEnabled:   true,
		},
		Outbox: OutboxConfig{
			Interval:  time.Second,
			BatchSize: 100,
			DupWindow: 2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

const (
	hmacSecretEnv = "PF_HMAC_SECRET"
	minSecretLen  = 32
)

// HMACSecrets reads PF_HMAC_SECRET and PF_HMAC_SECRET_1..N, each formatted
// <secret_id>:<base64_secret>. Numbered secrets allow rotation.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)
	add := func(name, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check %s and %s_* for conflicts)", secretID, hmacSecretEnv, hmacSecretEnv)
		}
		secrets[secretID] = decoded
		return nil
	}

	if val := os.Getenv(hmacSecretEnv); val != "" {
		if err := add(hmacSecretEnv, val); err != nil {
			return nil, err
		}
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", hmacSecretEnv, i)
		val := os.Getenv(name)
		if val == "" {
			break
		}
		if err := add(name, val); err != nil {
			return nil, err
		}
	}
	return secrets, nil
}

// ParseHMACSecret decodes a base64 secret of at least 32 bytes.
func ParseHMACSecret(value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < minSecretLen {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", minSecretLen, len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses <secret_id>:<base64_secret>. The secret id is
// 32 lower hex characters, a UUID without hyphens.
func ParseHMACSecretWithID(value string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUID without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
