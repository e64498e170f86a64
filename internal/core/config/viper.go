package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// New returns a viper instance with defaults and PF_ environment binding.
// Flags bound by the caller take precedence over environment, which takes
// precedence over the config file.
func New() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.max_connections", def.Server.MaxConnections)
	v.SetDefault("server.request_timeout", def.Server.RequestTimeout.String())

	v.SetDefault("database.url", def.Database.URL)

	v.SetDefault("nats.url", def.NATS.URL)
	v.SetDefault("nats.embedded", def.NATS.Embedded)
	v.SetDefault("nats.store_dir", def.NATS.StoreDir)
	v.SetDefault("nats.events_subject", def.NATS.EventsSubject)
	v.SetDefault("nats.queue_group", def.NATS.QueueGroup)
	v.SetDefault("nats.actions_prefix", def.NATS.ActionsPrefix)
	v.SetDefault("nats.actions_stream", def.NATS.ActionsStream)
	v.SetDefault("nats.catalog_bucket", def.NATS.CatalogBucket)
	v.SetDefault("nats.catalog_key", def.NATS.CatalogKey)
	v.SetDefault("nats.catalog_refresh", def.NATS.CatalogRefresh.String())

	v.SetDefault("engine.fanout_workers", def.Engine.FanoutWorkers)
	v.SetDefault("engine.audience_cap", def.Engine.AudienceCap)
	v.SetDefault("engine.cron_topic", def.Engine.CronTopic)
	v.SetDefault("engine.cron_enabled", def.Engine.CronEnabled)

	v.SetDefault("outbox.interval", def.Outbox.Interval.String())
	v.SetDefault("outbox.batch_size", def.Outbox.BatchSize)
	v.SetDefault("outbox.dup_window", def.Outbox.DupWindow.String())

	v.SetDefault("metrics.addr", def.Metrics.Addr)

	v.SetEnvPrefix("PF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads configuration from configPath (optional) and PF_
// environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return Load(New(), configPath)
}

// Load reads configPath into v, if set, and decodes the result.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		NATS: NATSConfig{
			URL:            v.GetString("nats.url"),
			Embedded:       v.GetBool("nats.embedded"),
			StoreDir:       v.GetString("nats.store_dir"),
			EventsSubject:  v.GetString("nats.events_subject"),
			QueueGroup:     v.GetString("nats.queue_group"),
			ActionsPrefix:  v.GetString("nats.actions_prefix"),
			ActionsStream:  v.GetString("nats.actions_stream"),
			CatalogBucket:  v.GetString("nats.catalog_bucket"),
			CatalogKey:     v.GetString("nats.catalog_key"),
			CatalogRefresh: v.GetDuration("nats.catalog_refresh"),
		},
		Engine: EngineConfig{
			FanoutWorkers: v.GetInt("engine.fanout_workers"),
			AudienceCap:   v.GetInt("engine.audience_cap"),
			CronTopic:     v.GetString("engine.cron_topic"),
			CronEnabled:   v.GetBool("engine.cron_enabled"),
		},
		Outbox: OutboxConfig{
			Interval:  v.GetDuration("outbox.interval"),
			BatchSize: v.GetInt("outbox.batch_size"),
			DupWindow: v.GetDuration("outbox.dup_window"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.NATS.URL == "" && !cfg.NATS.Embedded {
		return fmt.Errorf("nats.url is required unless nats.embedded is set")
	}
	if cfg.NATS.EventsSubject == "" || cfg.NATS.ActionsPrefix == "" {
		return fmt.Errorf("nats.events_subject and nats.actions_prefix are required")
	}
	if cfg.NATS.CatalogBucket != "" && cfg.NATS.CatalogRefresh <= 0 {
		return fmt.Errorf("catalog_refresh must be positive, got %v", cfg.NATS.CatalogRefresh)
	}
	if cfg.Engine.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout_workers must be positive, got %d", cfg.Engine.FanoutWorkers)
	}
	if cfg.Engine.AudienceCap <= 0 {
		return fmt.Errorf("audience_cap must be positive, got %d", cfg.Engine.AudienceCap)
	}
	if cfg.Engine.CronTopic == "" {
		return fmt.Errorf("cron_topic is required")
	}
	if cfg.Outbox.Interval <= 0 {
		return fmt.Errorf("outbox interval must be positive, got %v", cfg.Outbox.Interval)
	}
	if cfg.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch_size must be positive, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Outbox.DupWindow < cfg.Outbox.Interval {
		return fmt.Errorf("outbox dup_window %v must not be shorter than interval %v", cfg.Outbox.DupWindow, cfg.Outbox.Interval)
	}
	return nil
}

func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use PF_HMAC_SECRET environment variable)")
	}
	return nil
}
