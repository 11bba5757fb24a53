package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for AgriLogic Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Redis         RedisConfig         `yaml:"redis"`
	TaskQueue     TaskQueueConfig     `yaml:"taskqueue"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Engine        EngineConfig        `yaml:"engine"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Timezone is the IANA zone used for the daily execution reset.
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains Redis connection settings. Redis backs the shared
// runtime-state store and the task queue.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TaskQueueConfig contains work-item queue settings.
type TaskQueueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Queue    string `yaml:"queue"`
	MaxRetry int    `yaml:"max_retry"`
}

// NotificationsConfig contains per-channel delivery settings.
type NotificationsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook GatewayConfig `yaml:"webhook"`
	Email   GatewayConfig `yaml:"email"`
	SMS     GatewayConfig `yaml:"sms"`

	// MQTTChannels are delivered on agrilogic/notify/{channel}.
	MQTTChannels []string `yaml:"mqtt_channels"`

	// CriticalChannels receive safety alerts for rules that declare no channel.
	CriticalChannels []string `yaml:"critical_channels"`
}

// SlackConfig contains Slack bot settings.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// GatewayConfig is an HTTP delivery endpoint.
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// EngineConfig contains rule-evaluation settings.
type EngineConfig struct {
	// Schedule is a cron expression (or @every descriptor) for evaluation cycles.
	Schedule string `yaml:"schedule"`

	// Mode is "poll" (evaluate on the schedule only) or "push" (also
	// evaluate as each snapshot arrives).
	Mode string `yaml:"mode"`

	Scopes []ScopeConfig `yaml:"scopes"`

	// MaxReadingAge in seconds; older readings count as missing. 0 disables.
	MaxReadingAge int `yaml:"max_reading_age"`

	// Timeouts in seconds.
	OutboundTimeout       int `yaml:"outbound_timeout"`
	IntegrationRetryDelay int `yaml:"integration_retry_delay"`
	ExecutionTimeout      int `yaml:"execution_timeout"`

	// OverrideTTL in seconds: how long a manual override token stays valid.
	OverrideTTL int `yaml:"override_ttl"`

	// RuntimeStore is "memory" or "redis".
	RuntimeStore string `yaml:"runtime_store"`
}

// ScopeConfig names a farm, and optionally a block, evaluated each cycle.
type ScopeConfig struct {
	FarmID  string `yaml:"farm_id"`
	BlockID string `yaml:"block_id"`
}

// MetricsConfig contains the Prometheus and health endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AGRILOGIC_SECTION_KEY
// For example: AGRILOGIC_DATABASE_PATH, AGRILOGIC_REDIS_ADDR
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "farm-site-001",
			Name:     "AgriLogic",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/agrilogic.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "agrilogic-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "agrilogic:",
		},
		TaskQueue: TaskQueueConfig{
			Queue:    "farm-tasks",
			MaxRetry: 5,
		},
		Notifications: NotificationsConfig{
			MQTTChannels:     []string{"app", "dashboard"},
			CriticalChannels: []string{"app"},
		},
		Engine: EngineConfig{
			Schedule:              "@every 1m",
			Mode:                  "poll",
			MaxReadingAge:         900,
			OutboundTimeout:       10,
			IntegrationRetryDelay: 2,
			ExecutionTimeout:      60,
			OverrideTTL:           900,
			RuntimeStore:          "memory",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AGRILOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("AGRILOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("AGRILOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AGRILOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AGRILOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("AGRILOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("AGRILOGIC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AGRILOGIC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AGRILOGIC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// Notifications
	if v := os.Getenv("AGRILOGIC_SLACK_TOKEN"); v != "" {
		cfg.Notifications.Slack.Token = v
	}
	if v := os.Getenv("AGRILOGIC_WEBHOOK_TOKEN"); v != "" {
		cfg.Notifications.Webhook.Token = v
	}

	// Engine
	if v := os.Getenv("AGRILOGIC_ENGINE_SCHEDULE"); v != "" {
		cfg.Engine.Schedule = v
	}
	if v := os.Getenv("AGRILOGIC_ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}

	// Logging
	if v := os.Getenv("AGRILOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	usesRedis := c.TaskQueue.Enabled || c.Engine.RuntimeStore == "redis"
	if usesRedis && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the task queue and redis runtime store")
	}

	if c.Notifications.Slack.Enabled && (c.Notifications.Slack.Token == "" || c.Notifications.Slack.ChannelID == "") {
		errs = append(errs, "notifications.slack requires token and channel_id (set AGRILOGIC_SLACK_TOKEN)")
	}

	errs = append(errs, c.Engine.validate()...)

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (e *EngineConfig) validate() []string {
	var errs []string

	if e.Schedule == "" {
		errs = append(errs, "engine.schedule is required")
	}
	if e.Mode != "poll" && e.Mode != "push" {
		errs = append(errs, "engine.mode must be poll or push")
	}
	if e.RuntimeStore != "memory" && e.RuntimeStore != "redis" {
		errs = append(errs, "engine.runtime_store must be memory or redis")
	}
	if len(e.Scopes) == 0 {
		errs = append(errs, "engine.scopes must name at least one farm")
	}
	for i, s := range e.Scopes {
		if s.FarmID == "" {
			errs = append(errs, fmt.Sprintf("engine.scopes[%d].farm_id is required", i))
		}
	}
	if e.MaxReadingAge < 0 || e.OutboundTimeout < 0 || e.IntegrationRetryDelay < 0 || e.ExecutionTimeout < 0 || e.OverrideTTL < 0 {
		errs = append(errs, "engine timeouts must not be negative")
	}

	return errs
}

// Location returns the site timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetMaxReadingAge returns the stale-reading threshold as a Duration.
func (c *Config) GetMaxReadingAge() time.Duration {
	return time.Duration(c.Engine.MaxReadingAge) * time.Second
}

// GetOutboundTimeout returns the per-call outbound timeout as a Duration.
func (c *Config) GetOutboundTimeout() time.Duration {
	return time.Duration(c.Engine.OutboundTimeout) * time.Second
}

// GetIntegrationRetryDelay returns the base integration retry delay as a Duration.
func (c *Config) GetIntegrationRetryDelay() time.Duration {
	return time.Duration(c.Engine.IntegrationRetryDelay) * time.Second
}

// GetExecutionTimeout returns the bound on one asynchronous dispatch as a Duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return time.Duration(c.Engine.ExecutionTimeout) * time.Second
}

// GetOverrideTTL returns the manual override validity as a Duration.
func (c *Config) GetOverrideTTL() time.Duration {
	return time.Duration(c.Engine.OverrideTTL) * time.Second
}
