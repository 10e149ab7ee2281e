package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number.
	MinPort = 1
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
)

// Worker timing defaults, used when the config file leaves a field unset and
// no environment override applies.
const (
	DefaultPollInterval       = 5 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultReclaimInterval    = 60 * time.Second
	DefaultStalenessThreshold = 120 * time.Second
	DefaultBackoffBase        = 10 * time.Second
	DefaultBackoffCap         = 30 * time.Minute
	DefaultShutdownTimeout    = 30 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration for the API service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the notification-channel configuration. Disabled
// means workers rely on polling alone.
type RabbitMQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Exchange      string        `yaml:"exchange"`
	Queue         string        `yaml:"queue"`
	RoutingKey    string        `yaml:"routing_key"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds dispatcher timing configuration.
type WorkerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig holds pipeline handler wiring. Empty endpoint URLs leave
// the corresponding job kinds unregistered on this worker.
type PipelineConfig struct {
	DataDir             string `yaml:"data_dir"`
	TranscriberURL      string `yaml:"transcriber_url"`
	HighlighterURL      string `yaml:"highlighter_url"`
	RendererURL         string `yaml:"renderer_url"`
	ThumbnailerURL      string `yaml:"thumbnailer_url"`
	YouTubePublisherURL string `yaml:"youtube_publisher_url"`
	TikTokPublisherURL  string `yaml:"tiktok_publisher_url"`
}

// Load reads and parses the configuration file, applies worker defaults, and
// folds in environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyWorkerDefaults()
	config.applyEnvOverrides()

	return &config, nil
}

func (c *Config) applyWorkerDefaults() {
	w := &c.Worker
	if w.PollInterval <= 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if w.ReclaimInterval <= 0 {
		w.ReclaimInterval = DefaultReclaimInterval
	}
	if w.StalenessThreshold <= 0 {
		w.StalenessThreshold = DefaultStalenessThreshold
	}
	if w.BackoffBase <= 0 {
		w.BackoffBase = DefaultBackoffBase
	}
	if w.BackoffCap <= 0 {
		w.BackoffCap = DefaultBackoffCap
	}
	if w.ShutdownTimeout <= 0 {
		w.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// applyEnvOverrides lets operators retune worker timing per process without
// editing the config file. Values are whole seconds; unset or non-numeric
// variables fall back to the current value.
func (c *Config) applyEnvOverrides() {
	w := &c.Worker
	w.PollInterval = secondsFromEnv("WORKER_POLL_INTERVAL_SECONDS", w.PollInterval)
	w.HeartbeatInterval = secondsFromEnv("WORKER_HEARTBEAT_INTERVAL_SECONDS", w.HeartbeatInterval)
	w.ReclaimInterval = secondsFromEnv("WORKER_RECLAIM_INTERVAL_SECONDS", w.ReclaimInterval)
	w.StalenessThreshold = secondsFromEnv("WORKER_STALENESS_THRESHOLD_SECONDS", w.StalenessThreshold)
}

// secondsFromEnv parses an integer-seconds environment variable with a safe
// fallback: unset, non-numeric, or non-positive values leave the fallback
// untouched.
func secondsFromEnv(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ValidateAPIConfig checks the fields the API service depends on.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateShared()
}

// ValidateWorkerConfig checks the fields the worker service depends on.
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.HeartbeatInterval >= c.Worker.StalenessThreshold {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than staleness_threshold (%s)",
			c.Worker.HeartbeatInterval, c.Worker.StalenessThreshold)
	}
	if c.Pipeline.DataDir == "" {
		return fmt.Errorf("pipeline data_dir is required")
	}
	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq exchange is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Queue == "" {
			return fmt.Errorf("rabbitmq queue is required when rabbitmq is enabled")
		}
	}
	return nil
}
