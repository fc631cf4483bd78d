// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < .env file <
// environment variables. Environment variables use the DATASHELF_ prefix
// (e.g., DATASHELF_DATABASE_HOST overrides database.host in the YAML).
//
// ENCRYPTION_KEY, ENCRYPTION_PASSPHRASE and JWT_SECRET have no prefix because
// they are usually injected by infrastructure tooling (Kubernetes secrets,
// secret-manager agents) that treats them as generic secret names.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Adapters  AdaptersConfig  `mapstructure:"adapters"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// VaultConfig selects where the credential encryption key comes from.
type VaultConfig struct {
	// KeySource is one of: env, passphrase, keyring, aws-secretsmanager
	KeySource string `mapstructure:"key_source"`

	// Key is the base64 or hex encoded 32-byte key (ENCRYPTION_KEY)
	Key string `mapstructure:"key"`

	// Passphrase derivation (ENCRYPTION_PASSPHRASE)
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
	Iterations int    `mapstructure:"iterations"`

	// OS keyring lookup
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`

	// AWS Secrets Manager lookup
	SecretID     string `mapstructure:"secret_id"`
	SecretRegion string `mapstructure:"secret_region"`
}

// UploadsConfig holds limits applied to incoming uploads before they reach the gateway
type UploadsConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	// DefaultQuota is the storage limit given to accounts on first use
	DefaultQuota int64 `mapstructure:"default_quota"`
}

// AdaptersConfig holds adapter registry settings
type AdaptersConfig struct {
	// ProbeTimeout bounds the connectivity check run on create/update/test
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// AllowLocal registers the local filesystem adapter (development only)
	AllowLocal bool `mapstructure:"allow_local"`
	// LocalRoot confines local adapter root paths to this directory
	LocalRoot string `mapstructure:"local_root"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Output is "stdout" or a file path; files are rotated
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// TelemetryConfig holds metrics configuration
type TelemetryConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`
}

// RateLimitConfig holds request rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	UploadsPerMinute  int  `mapstructure:"uploads_per_minute"`
}

// RedisConfig enables distributed rate limiting when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"vault.key_source",
		"vault.salt",
		"vault.iterations",
		"vault.keyring_service",
		"vault.keyring_user",
		"vault.secret_id",
		"vault.secret_region",

		"uploads.max_size",
		"uploads.allowed_extensions",
		"uploads.default_quota",

		"adapters.probe_timeout",
		"adapters.allow_local",
		"adapters.local_root",

		"auth.issuer",

		"logging.level",
		"logging.format",
		"logging.output",
		"logging.max_size_mb",
		"logging.max_backups",

		"telemetry.metrics_enabled",
		"telemetry.metrics_port",

		"ratelimit.enabled",
		"ratelimit.requests_per_minute",
		"ratelimit.burst",
		"ratelimit.uploads_per_minute",

		"redis.addr",
		"redis.password",
		"redis.db",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	// Unprefixed secrets
	unprefixed := map[string]string{
		"vault.key":        "ENCRYPTION_KEY",
		"vault.passphrase": "ENCRYPTION_PASSPHRASE",
		"auth.jwt_secret":  "JWT_SECRET",
	}
	for key, env := range unprefixed {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", env, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/datashelf")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DATASHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.Uploads.AllowedExtensions = normalizeExtensions(cfg.Uploads.AllowedExtensions)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "datashelf")
	v.SetDefault("database.user", "datashelf")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("vault.key_source", "env")
	v.SetDefault("vault.iterations", 210000)
	v.SetDefault("vault.keyring_service", "datashelf-gateway")
	v.SetDefault("vault.keyring_user", "credential-key")

	v.SetDefault("uploads.max_size", 10*1024*1024)
	v.SetDefault("uploads.default_quota", 1024*1024*1024)
	v.SetDefault("uploads.allowed_extensions",
		[]string{"jpg", "jpeg", "png", "gif", "pdf", "doc", "docx", "txt", "zip"})

	v.SetDefault("adapters.probe_timeout", "10s")
	v.SetDefault("adapters.allow_local", false)

	v.SetDefault("auth.issuer", "datashelf")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.metrics_port", 9090)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 200)
	v.SetDefault("ratelimit.burst", 50)
	v.SetDefault("ratelimit.uploads_per_minute", 30)
}

// normalizeExtensions lowercases entries and strips leading dots. A single
// comma-separated entry (as delivered from an env var) is split.
func normalizeExtensions(in []string) []string {
	var out []string
	for _, item := range in {
		for _, ext := range strings.Split(item, ",") {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext != "" {
				out = append(out, ext)
			}
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Vault.KeySource {
	case "env":
		if c.Vault.Key == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required when vault.key_source is env")
		}
	case "passphrase":
		if c.Vault.Passphrase == "" || c.Vault.Salt == "" {
			return fmt.Errorf("ENCRYPTION_PASSPHRASE and vault.salt are required when vault.key_source is passphrase")
		}
	case "keyring":
		if c.Vault.KeyringService == "" || c.Vault.KeyringUser == "" {
			return fmt.Errorf("vault.keyring_service and vault.keyring_user are required when vault.key_source is keyring")
		}
	case "aws-secretsmanager":
		if c.Vault.SecretID == "" {
			return fmt.Errorf("vault.secret_id is required when vault.key_source is aws-secretsmanager")
		}
	default:
		return fmt.Errorf("invalid vault.key_source: %s (must be env, passphrase, keyring, or aws-secretsmanager)", c.Vault.KeySource)
	}

	if c.Uploads.MaxSize <= 0 {
		return fmt.Errorf("uploads.max_size must be positive")
	}
	if c.Uploads.DefaultQuota < 0 {
		return fmt.Errorf("uploads.default_quota must not be negative")
	}
	if c.Adapters.ProbeTimeout <= 0 {
		return fmt.Errorf("adapters.probe_timeout must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unsupported type %q", i, s.Type)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
