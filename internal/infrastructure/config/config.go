package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backend identifiers accepted in store.backend.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendDynamoDB = "dynamodb"

	// StoreBackendMemory keeps state in process memory only. Development use.
	StoreBackendMemory = "memory"
)

// Config is the root configuration structure for pumpcore.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Relay     RelayConfig     `yaml:"relay"`
	Channels  []ChannelConfig `yaml:"channels"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the single managed device.
type DeviceConfig struct {
	ID   string `yaml:"id" env:"PUMPCORE_DEVICE_ID"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" env:"PUMPCORE_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StoreConfig selects the state record backend.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"PUMPCORE_STORE_BACKEND"`
}

// DynamoDBConfig contains settings for the DynamoDB state record backend.
// Credentials come from the default AWS credential chain.
type DynamoDBConfig struct {
	Table    string `yaml:"table" env:"PUMPCORE_DYNAMODB_TABLE"`
	Region   string `yaml:"region" env:"PUMPCORE_DYNAMODB_REGION"`
	Endpoint string `yaml:"endpoint" env:"PUMPCORE_DYNAMODB_ENDPOINT"`
}

// RelayConfig contains the cloud relay (Blynk external API) settings.
type RelayConfig struct {
	BaseURL string `yaml:"base_url" env:"PUMPCORE_RELAY_BASE_URL"`

	// Token is the device auth token. Set it via PUMPCORE_RELAY_TOKEN rather
	// than the config file.
	Token string `yaml:"token" env:"PUMPCORE_RELAY_TOKEN"`

	// Timeout bounds every individual relay request.
	Timeout time.Duration `yaml:"timeout" env:"PUMPCORE_RELAY_TIMEOUT"`

	// PollInterval triggers a poll-sync on a fixed period. Zero disables it.
	PollInterval time.Duration `yaml:"poll_interval" env:"PUMPCORE_RELAY_POLL_INTERVAL"`
}

// ChannelConfig describes one relay channel and its internal field.
// Min and Max are optional; leaving both unset makes the channel unbounded.
type ChannelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Min  *int64 `yaml:"min,omitempty"`
	Max  *int64 `yaml:"max,omitempty"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled" env:"PUMPCORE_MQTT_ENABLED"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" env:"PUMPCORE_MQTT_HOST"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"PUMPCORE_MQTT_USERNAME"`
	Password string `yaml:"password" env:"PUMPCORE_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host string `yaml:"host" env:"PUMPCORE_API_HOST"`
	Port int    `yaml:"port" env:"PUMPCORE_API_PORT"`

	// PublicURL is the externally reachable base URL used when generating
	// webhook URLs for the relay (e.g. an ngrok tunnel).
	PublicURL string `yaml:"public_url" env:"PUMPCORE_API_PUBLIC_URL"`

	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for ingestion telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"PUMPCORE_INFLUXDB_ENABLED"`
	URL           string `yaml:"url" env:"PUMPCORE_INFLUXDB_URL"`
	Token         string `yaml:"token" env:"PUMPCORE_INFLUXDB_TOKEN"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"PUMPCORE_LOG_LEVEL"`
	Format string `yaml:"format" env:"PUMPCORE_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern PUMPCORE_SECTION_KEY, for example
// PUMPCORE_RELAY_TOKEN or PUMPCORE_DATABASE_PATH.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:   "water-controller",
			Name: "Water Tank Pump",
		},
		Database: DatabaseConfig{
			Path:        "./data/pumpcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Store: StoreConfig{
			Backend: StoreBackendSQLite,
		},
		DynamoDB: DynamoDBConfig{
			Table: "device_states",
		},
		Relay: RelayConfig{
			BaseURL: "https://blynk.cloud/external/api",
			Timeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "pumpcore",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pumpcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies PUMPCORE_* environment variables on top of the
// file values. Unset variables leave the file value untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	}

	switch c.Store.Backend {
	case StoreBackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite store")
		}
	case StoreBackendDynamoDB:
		if c.DynamoDB.Table == "" {
			errs = append(errs, "dynamodb.table is required for the dynamodb store")
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be %q, %q or %q",
			StoreBackendSQLite, StoreBackendDynamoDB, StoreBackendMemory))
	}

	if c.Relay.BaseURL == "" {
		errs = append(errs, "relay.base_url is required")
	} else if u, err := url.Parse(c.Relay.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "relay.base_url must be an absolute URL")
	}
	if c.Relay.Token == "" {
		errs = append(errs, "relay.token is required (set PUMPCORE_RELAY_TOKEN environment variable)")
	}
	if c.Relay.Timeout <= 0 {
		errs = append(errs, "relay.timeout must be positive")
	}
	if c.Relay.PollInterval < 0 {
		errs = append(errs, "relay.poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		id := strings.ToLower(strings.TrimSpace(ch.ID))
		if id == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("channels[%d].id %q is duplicated", i, ch.ID))
		}
		seen[id] = true
		if ch.Min != nil && ch.Max != nil && *ch.Min > *ch.Max {
			errs = append(errs, fmt.Sprintf("channels[%d] min must not exceed max", i))
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// Port 0 binds a free port.
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
