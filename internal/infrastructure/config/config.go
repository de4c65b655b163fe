package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for TappsHA Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Governance GovernanceConfig `yaml:"governance"`
}

// SiteConfig contains deployment-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the
// home-automation platform boundary.
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
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
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendTimeout    int    `yaml:"send_timeout"` // per-session send deadline, milliseconds
}

// InfluxDBConfig contains InfluxDB connection settings for the
// automation performance telemetry sink.
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
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// RateLimitConfig contains budgets for the real-time rate limiter.
// Budgets apply per fixed window; exceeding a budget drops the message but
// does not close the connection.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	MessagesPerMinute    int  `yaml:"messages_per_minute"`    // per session
	ConnectionsPerOrigin int  `yaml:"connections_per_origin"` // concurrent, per network origin
}

// GovernanceConfig tunes the automation governance workflow.
type GovernanceConfig struct {
	// RiskPolicy maps a risk level (low, medium, high, critical) to whether
	// manual approval is required. Levels absent from the map require
	// manual approval.
	RiskPolicy map[string]bool `yaml:"risk_policy"`

	Backups  BackupRetentionConfig `yaml:"backups"`
	Platform PlatformRetryConfig   `yaml:"platform"`

	// HeartbeatTimeout is how long a session may go without any message
	// or pong before the registry reaps it, in seconds.
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`
}

// BackupRetentionConfig controls snapshot pruning. Zero values disable
// the corresponding limit.
type BackupRetentionConfig struct {
	MaxPerAutomation int `yaml:"max_per_automation"`
	MaxAgeDays       int `yaml:"max_age_days"`
}

// PlatformRetryConfig bounds retries of transient platform push failures
// during a lifecycle transition.
type PlatformRetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TAPPSHA_SECTION_KEY
// For example: TAPPSHA_DATABASE_PATH, TAPPSHA_JWT_SECRET
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
			ID:       "site-001",
			Name:     "TappsHA",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/tappsha.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tappsha-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
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
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendTimeout:    2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			RateLimit: RateLimitConfig{
				Enabled:              true,
				MessagesPerMinute:    100,
				ConnectionsPerOrigin: 5,
			},
		},
		Governance: GovernanceConfig{
			RiskPolicy: map[string]bool{
				"low":      false,
				"medium":   true,
				"high":     true,
				"critical": true,
			},
			Backups: BackupRetentionConfig{
				MaxPerAutomation: 10,
				MaxAgeDays:       90,
			},
			Platform: PlatformRetryConfig{
				MaxAttempts:  3,
				RetryDelayMS: 250,
			},
			HeartbeatTimeout: 90,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TAPPSHA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TAPPSHA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TAPPSHA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TAPPSHA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TAPPSHA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TAPPSHA_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TAPPSHA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("TAPPSHA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("TAPPSHA_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Automation governance gates physical behaviour in people's homes.
	// A forgeable token would let an attacker approve automations or fire
	// emergency stops, so a weak JWT secret is a hard configuration error.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set TAPPSHA_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	for level := range c.Governance.RiskPolicy {
		switch level {
		case "low", "medium", "high", "critical":
		default:
			errs = append(errs, fmt.Sprintf("governance.risk_policy: unknown risk level %q", level))
		}
	}

	if c.Governance.Platform.MaxAttempts < 1 {
		errs = append(errs, "governance.platform.max_attempts must be at least 1")
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

// GetSendTimeout returns the per-session WebSocket send deadline as a Duration.
func (w WebSocketConfig) GetSendTimeout() time.Duration {
	return time.Duration(w.SendTimeout) * time.Millisecond
}

// GetHeartbeatTimeout returns the session heartbeat timeout as a Duration.
func (g GovernanceConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(g.HeartbeatTimeout) * time.Second
}

// GetRetryDelay returns the platform retry delay as a Duration.
func (p PlatformRetryConfig) GetRetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMS) * time.Millisecond
}

// GetMaxAge returns the backup retention age limit as a Duration.
// Zero means no age limit.
func (b BackupRetentionConfig) GetMaxAge() time.Duration {
	return time.Duration(b.MaxAgeDays) * 24 * time.Hour
}
