package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for apilink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Client      ClientConfig       `yaml:"client"`
	Collections []CollectionSource `yaml:"collections"`
	Remote      RemoteConfig       `yaml:"remote"`
	RTC         RTCConfig          `yaml:"rtc"`
	Cache       CacheConfig        `yaml:"cache"`
	Database    DatabaseConfig     `yaml:"database"`
	History     HistoryConfig      `yaml:"history"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig     `yaml:"influxdb"`
	Logging     LoggingConfig      `yaml:"logging"`
	Auth        AuthConfig         `yaml:"auth"`
	DevServer   DevServerConfig    `yaml:"devserver"`
}

// ClientConfig contains outbound HTTP client settings.
type ClientConfig struct {
	Timeout   int             `yaml:"timeout"` // seconds
	UserAgent string          `yaml:"user_agent"`
	TLS       ClientTLSConfig `yaml:"tls"`
}

// ClientTLSConfig contains TLS settings for outbound calls.
type ClientTLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// CollectionSource names a collection file on disk or at an HTTP(S) URL.
type CollectionSource struct {
	// Name overrides the name declared in the file when set.
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// IsRemote reports whether the source is fetched over HTTP.
func (s CollectionSource) IsRemote() bool {
	return strings.HasPrefix(s.Source, "http://") || strings.HasPrefix(s.Source, "https://")
}

// RemoteConfig contains settings for fetching remote collection files.
type RemoteConfig struct {
	Timeout   int `yaml:"timeout"`    // seconds per attempt
	Retries   int `yaml:"retries"`    // attempts after the first
	BaseDelay int `yaml:"base_delay"` // milliseconds
}

// RTCConfig contains real-time connection settings.
type RTCConfig struct {
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	BaseDelay            int `yaml:"base_delay"` // milliseconds
	MaxDelay             int `yaml:"max_delay"`  // milliseconds, 0 = uncapped
}

// CacheConfig contains metadata cache settings.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"` // 0 = unbounded
	TTL        int `yaml:"ttl"`         // seconds, 0 = no expiry
	// Persistent stores cached metadata in the SQLite database.
	Persistent bool `yaml:"persistent"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains request history settings.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"` // 0 = keep forever
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AuthConfig contains credentials attached to outbound calls.
type AuthConfig struct {
	JWT       JWTConfig    `yaml:"jwt"`
	OAuth2    OAuth2Config `yaml:"oauth2"`
	RequestID bool         `yaml:"request_id"`
}

// JWTConfig contains settings for self-signed bearer tokens.
type JWTConfig struct {
	Secret   string   `yaml:"secret"`
	Issuer   string   `yaml:"issuer"`
	Subject  string   `yaml:"subject"`
	Audience []string `yaml:"audience"`
	Scope    string   `yaml:"scope"`
	TTL      int      `yaml:"ttl"` // minutes
}

// OAuth2Config contains client credentials grant settings.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// DevServerConfig contains settings for the development API server.
type DevServerConfig struct {
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	// AuthSecret, when set, requires HS256 bearer tokens on every route
	// except /health.
	AuthSecret string `yaml:"auth_secret"`
	// Seed preloads resources, keyed by resource name.
	Seed map[string][]map[string]any `yaml:"seed"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: APILINK_SECTION_KEY
// For example: APILINK_DATABASE_PATH, APILINK_DEVSERVER_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// Default returns the built-in configuration with environment overrides,
// for running without a config file.
func Default() (*Config, error) {
	return finish(defaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Timeout:   30,
			UserAgent: "apilink",
		},
		Remote: RemoteConfig{
			Timeout:   10,
			Retries:   3,
			BaseDelay: 500,
		},
		RTC: RTCConfig{
			MaxReconnectAttempts: 5,
			BaseDelay:            1000,
		},
		Database: DatabaseConfig{
			Path:        "./data/apilink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "apilink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			File: FileLoggingConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
		Auth: AuthConfig{
			JWT: JWTConfig{TTL: 15},
		},
		DevServer: DevServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 65536,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: APILINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Database
	if v := os.Getenv("APILINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("APILINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("APILINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("APILINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("APILINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("APILINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Auth secrets belong in the environment, not the config file
	if v := os.Getenv("APILINK_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
	if v := os.Getenv("APILINK_OAUTH2_CLIENT_SECRET"); v != "" {
		cfg.Auth.OAuth2.ClientSecret = v
	}

	// Development server
	if v := os.Getenv("APILINK_DEVSERVER_HOST"); v != "" {
		cfg.DevServer.Host = v
	}
	if v := os.Getenv("APILINK_DEVSERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APILINK_DEVSERVER_PORT: %w", err)
		}
		cfg.DevServer.Port = port
	}
	if v := os.Getenv("APILINK_DEVSERVER_AUTH_SECRET"); v != "" {
		cfg.DevServer.AuthSecret = v
	}

	return nil
}

// minSecretLength applies to every HS256 signing secret.
const minSecretLength = 32

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Client validation
	if c.Client.Timeout < 0 {
		errs = append(errs, "client.timeout must not be negative")
	}

	// Collection sources
	seen := make(map[string]bool)
	for i, src := range c.Collections {
		if src.Source == "" {
			errs = append(errs, fmt.Sprintf("collections[%d].source is required", i))
		}
		if src.Name != "" {
			if seen[src.Name] {
				errs = append(errs, fmt.Sprintf("collections[%d].name %q is duplicated", i, src.Name))
			}
			seen[src.Name] = true
		}
	}

	// Remote loading and reconnects
	if c.Remote.Timeout < 0 || c.Remote.Retries < 0 || c.Remote.BaseDelay < 0 {
		errs = append(errs, "remote values must not be negative")
	}
	if c.RTC.MaxReconnectAttempts < 0 || c.RTC.BaseDelay < 0 || c.RTC.MaxDelay < 0 {
		errs = append(errs, "rtc values must not be negative")
	}

	// Cache and database
	if c.Cache.MaxEntries < 0 || c.Cache.TTL < 0 {
		errs = append(errs, "cache values must not be negative")
	}
	if (c.Cache.Persistent || c.History.Enabled) && c.Database.Path == "" {
		errs = append(errs, "database.path is required when cache.persistent or history.enabled is set")
	}

	// MQTT validation
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when enabled")
		}
	}

	// Logging validation
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			errs = append(errs, "logging.file.path is required when logging.output is file")
		}
	default:
		errs = append(errs, "logging.output must be stdout, stderr, or file")
	}

	// Secrets, when set, must be long enough to resist brute force
	if s := c.Auth.JWT.Secret; s != "" && len(s) < minSecretLength {
		errs = append(errs, "auth.jwt.secret must be at least 32 characters")
	}
	if s := c.DevServer.AuthSecret; s != "" && len(s) < minSecretLength {
		errs = append(errs, "devserver.auth_secret must be at least 32 characters")
	}
	if o := c.Auth.OAuth2; o.ClientID != "" && o.TokenURL == "" {
		errs = append(errs, "auth.oauth2.token_url is required when client_id is set")
	}

	// Development server
	if c.DevServer.Port < 0 || c.DevServer.Port > 65535 {
		errs = append(errs, "devserver.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetClientTimeout returns the outbound request timeout as a Duration.
func (c *Config) GetClientTimeout() time.Duration {
	return time.Duration(c.Client.Timeout) * time.Second
}

// GetCacheTTL returns the metadata cache TTL as a Duration.
func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

// GetRTCBaseDelay returns the first reconnect delay as a Duration.
func (c *Config) GetRTCBaseDelay() time.Duration {
	return time.Duration(c.RTC.BaseDelay) * time.Millisecond
}

// GetRTCMaxDelay returns the reconnect delay cap as a Duration.
func (c *Config) GetRTCMaxDelay() time.Duration {
	return time.Duration(c.RTC.MaxDelay) * time.Millisecond
}

// GetReadTimeout returns the development server read timeout as a Duration.
func (c *DevServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the development server write timeout as a Duration.
func (c *DevServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the development server idle timeout as a Duration.
func (c *DevServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
