package internal

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the main application configuration.
type AppConfig struct {
	// Server holds HTTP server settings.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	// GitHub holds webhook and App credentials.
	GitHub struct {
		WebhookPath   string `yaml:"webhook_path"`
		WebhookSecret string `yaml:"webhook_secret"`
		App           struct {
			AppID          int64  `yaml:"app_id"`
			PrivateKeyPath string `yaml:"private_key_path"`
			BaseURL        string `yaml:"base_url"`
		} `yaml:"app"`
	} `yaml:"github"`
	// Storage selects the database backend shared by all stores.
	Storage struct {
		Driver      string `yaml:"driver"`
		DSN         string `yaml:"dsn"`
		AutoMigrate bool   `yaml:"auto_migrate"`
		Tables      struct {
			Installations    string `yaml:"installations"`
			RepoLinks        string `yaml:"repo_links"`
			RepoTeamsCache   string `yaml:"repo_teams_cache"`
			TeamMembersCache string `yaml:"team_members_cache"`
			WebhookEvents    string `yaml:"webhook_events"`
			Audits           string `yaml:"audits"`
		} `yaml:"tables"`
	} `yaml:"storage"`
	// Cache holds TTLs for the provider lookup caches (seconds).
	Cache struct {
		RepoTeamsTTLSeconds   int64 `yaml:"repo_teams_ttl_s"`
		TeamMembersTTLSeconds int64 `yaml:"team_members_ttl_s"`
	} `yaml:"cache"`
	// Queue holds the webhook queue sweep settings.
	Queue struct {
		BatchSize      int   `yaml:"batch_size"`
		PollIntervalMS int64 `yaml:"poll_interval_ms"`
	} `yaml:"queue"`
	// Debounce suppresses repeated recomputes for one repo within the window.
	Debounce struct {
		WindowMS int64 `yaml:"window_ms"`
	} `yaml:"debounce"`
	// Sync holds permission sync defaults.
	Sync struct {
		DefaultMode string `yaml:"default_mode"`
	} `yaml:"sync"`
	// Publisher configures the outcome event bus.
	Publisher PublisherConfig `yaml:"publisher"`
}

// Config is the full configuration including ingest filter rules.
type Config struct {
	AppConfig     `yaml:",inline"`
	IngestFilters []FilterRule `yaml:"ingest_filters"`
}

// PublisherConfig holds the configuration for the outcome publisher.
type PublisherConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the in-process pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming publisher.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP publisher.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL publisher.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the River job publisher.
type RiverQueueConfig struct {
	DSN         string   `yaml:"dsn"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// PublishRetryConfig bounds retries of failed outcome publishes.
type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the configuration from a YAML file, expanding environment
// variables and applying defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	if err := validateFilters(cfg.IngestFilters); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Cache.RepoTeamsTTLSeconds == 0 {
		cfg.Cache.RepoTeamsTTLSeconds = 900
	}
	if cfg.Cache.TeamMembersTTLSeconds == 0 {
		cfg.Cache.TeamMembersTTLSeconds = 900
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 50
	}
	if cfg.Queue.PollIntervalMS == 0 {
		cfg.Queue.PollIntervalMS = 5000
	}
	if cfg.Debounce.WindowMS == 0 {
		cfg.Debounce.WindowMS = 3000
	}
	if cfg.Sync.DefaultMode == "" {
		cfg.Sync.DefaultMode = "add"
	}
	if cfg.Publisher.Driver == "" && len(cfg.Publisher.Drivers) == 0 {
		cfg.Publisher.Driver = "gochannel"
	}
	if cfg.Publisher.GoChannel.OutputChannelBuffer == 0 {
		cfg.Publisher.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Publisher.HTTP.Mode == "" {
		cfg.Publisher.HTTP.Mode = "topic_url"
	}
	if cfg.Publisher.RiverQueue.Queue == "" {
		cfg.Publisher.RiverQueue.Queue = "default"
	}
	if cfg.Publisher.RiverQueue.Kind == "" {
		cfg.Publisher.RiverQueue.Kind = "permsync.outcome"
	}
	if cfg.Publisher.RiverQueue.MaxAttempts == 0 {
		cfg.Publisher.RiverQueue.MaxAttempts = 25
	}
	if cfg.Publisher.PublishRetry.Attempts == 0 {
		cfg.Publisher.PublishRetry.Attempts = 3
	}
	if cfg.Publisher.PublishRetry.DelayMS == 0 {
		cfg.Publisher.PublishRetry.DelayMS = 500
	}
}

func validateFilters(rules []FilterRule) error {
	for i := range rules {
		if strings.TrimSpace(rules[i].When) == "" {
			return errors.New("ingest filter is missing a when clause")
		}
	}
	return nil
}
