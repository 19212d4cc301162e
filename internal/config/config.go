package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Netatmo         NetatmoConfig  `yaml:"netatmo"`
	Poller          PollerConfig   `yaml:"poller"`
	Commands        CommandsConfig `yaml:"commands"`
	Webhook         WebhookConfig  `yaml:"webhook"`
	API             APIConfig      `yaml:"api"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	Database        DatabaseConfig `yaml:"database"`
	Log             LogConfig      `yaml:"log"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// NetatmoConfig contains vendor API and OAuth settings
type NetatmoConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"` // Bootstrap token, only used when none is persisted
	HomeID       string   `yaml:"home_id"`
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	Timeout      Duration `yaml:"timeout"` // HTTP timeout for vendor API requests

	// Client-side rate limit: RateLimit requests per RateWindow
	RateLimit  int      `yaml:"rate_limit"`
	RateWindow Duration `yaml:"rate_window"`
}

// PollerConfig contains full-state polling settings
type PollerConfig struct {
	Interval         Duration `yaml:"interval"`          // Base poll interval (default: 60s)
	MinInterval      Duration `yaml:"min_interval"`      // Interval while webhooks are flowing (default: 30s)
	MaxInterval      Duration `yaml:"max_interval"`      // Upper bound after failures (default: 5m)
	RequestTimeout   Duration `yaml:"request_timeout"`   // Timeout for one fetch (default: 30s)
	BackoffFactor    float64  `yaml:"backoff_factor"`    // Multiplier per consecutive failure (default: 1.5)
	RefreshOnWebhook bool     `yaml:"refresh_on_webhook"` // Poll once after a burst of webhooks
	RefreshDebounce  Duration `yaml:"refresh_debounce"`   // Quiet period before that poll (default: 5s)
}

// CommandsConfig contains command coordinator settings
type CommandsConfig struct {
	Timeout     Duration `yaml:"timeout"`      // Confirmation timeout (default: 30s)
	QueuePolicy string   `yaml:"queue_policy"` // "queue" (default) or "reject"
}

// WebhookConfig contains webhook ingress settings
type WebhookConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Path            string `yaml:"path"`
	ExternalURL     string `yaml:"external_url"`     // Public URL registered with the vendor (empty = don't register)
	VerifySignature bool   `yaml:"verify_signature"` // Check X-Netatmo-Secret against the client secret
	UnknownBuffer   int    `yaml:"unknown_buffer"`   // Parked updates for not-yet-polled devices (default: 64)
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

// APIConfig contains command/state HTTP API settings (also serves health and metrics)
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains the optional state publisher settings
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker"`
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         int      `yaml:"qos"`
	Retain      bool     `yaml:"retain"`
	Timeout     Duration `yaml:"timeout"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EventBusConfig contains change bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of delivery shards (default: 4)
	QueueSize int `yaml:"queue_size"` // Per-shard queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GetLevel returns log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// Addr returns the listen address for the webhook server
func (c *WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the listen address for the API server
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetShutdownTimeout returns the shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./thermd.sqlite"
	}

	// Netatmo defaults
	if cfg.Netatmo.BaseURL == "" {
		cfg.Netatmo.BaseURL = "https://api.netatmo.com/api"
	}
	if cfg.Netatmo.TokenURL == "" {
		cfg.Netatmo.TokenURL = "https://api.netatmo.com/oauth2/token"
	}
	if len(cfg.Netatmo.Scopes) == 0 {
		cfg.Netatmo.Scopes = []string{"read_thermostat", "write_thermostat"}
	}
	if cfg.Netatmo.Timeout == 0 {
		cfg.Netatmo.Timeout = Duration(30 * time.Second)
	}
	if cfg.Netatmo.RateLimit == 0 {
		cfg.Netatmo.RateLimit = 40
	}
	if cfg.Netatmo.RateWindow == 0 {
		cfg.Netatmo.RateWindow = Duration(10 * time.Second)
	}

	// Poller defaults
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = Duration(60 * time.Second)
	}
	if cfg.Poller.MinInterval == 0 {
		cfg.Poller.MinInterval = Duration(30 * time.Second)
	}
	if cfg.Poller.MaxInterval == 0 {
		cfg.Poller.MaxInterval = Duration(5 * time.Minute)
	}
	if cfg.Poller.RequestTimeout == 0 {
		cfg.Poller.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Poller.BackoffFactor == 0 {
		cfg.Poller.BackoffFactor = 1.5
	}
	if cfg.Poller.RefreshDebounce == 0 {
		cfg.Poller.RefreshDebounce = Duration(5 * time.Second)
	}

	// Command defaults
	if cfg.Commands.Timeout == 0 {
		cfg.Commands.Timeout = Duration(30 * time.Second)
	}
	if cfg.Commands.QueuePolicy == "" {
		cfg.Commands.QueuePolicy = "queue"
	}

	// Webhook defaults
	if cfg.Webhook.Host == "" {
		cfg.Webhook.Host = "0.0.0.0"
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8081
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/webhook/netatmo"
	}
	if cfg.Webhook.UnknownBuffer == 0 {
		cfg.Webhook.UnknownBuffer = 64
	}
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "thermd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "thermd"
	}
	if cfg.MQTT.Timeout == 0 {
		cfg.MQTT.Timeout = Duration(10 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that have no sensible default
func (c *Config) Validate() error {
	if c.Netatmo.HomeID == "" {
		return fmt.Errorf("netatmo.home_id is required")
	}
	if c.Netatmo.ClientID == "" || c.Netatmo.ClientSecret == "" {
		return fmt.Errorf("netatmo.client_id and netatmo.client_secret are required")
	}
	switch c.Commands.QueuePolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("commands.queue_policy must be \"queue\" or \"reject\", got %q", c.Commands.QueuePolicy)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
