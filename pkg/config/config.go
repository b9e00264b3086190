package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the lab order service
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Redis configuration (cache layer and shared rate counters)
	Redis RedisConfig `mapstructure:"redis"`

	// Requisition token configuration
	Token TokenConfig `mapstructure:"token"`

	// JWT authentication configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Threat detection configuration
	Security SecurityConfig `mapstructure:"security"`

	// Audit retention configuration
	Audit AuditConfig `mapstructure:"audit"`

	// External collaborator endpoints
	External ExternalConfig `mapstructure:"external"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	// Enabled=false keeps the service on the in-process fallback store
	Enabled bool `mapstructure:"enabled"`
}

// TokenConfig holds requisition token configuration
type TokenConfig struct {
	Secret   string `mapstructure:"secret"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// AuthConfig holds JWT authentication configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Order creation: fixed window
	OrderWindowMinutes int `mapstructure:"order_window_minutes"`
	OrderLimit         int `mapstructure:"order_limit"`
	// Document access: fixed window
	DocumentWindowMinutes int `mapstructure:"document_window_minutes"`
	DocumentLimit         int `mapstructure:"document_limit"`
	// Elevated roles get their base ceiling multiplied
	ElevatedMultiplier int `mapstructure:"elevated_multiplier"`
	// Burst protection: sliding window
	BurstWindowSeconds int `mapstructure:"burst_window_seconds"`
	BurstLimit         int `mapstructure:"burst_limit"`
	BurstLimitElevated int `mapstructure:"burst_limit_elevated"`
}

// SecurityConfig holds threat detection configuration
type SecurityConfig struct {
	RiskBlockThreshold    float64 `mapstructure:"risk_block_threshold"`
	FailureBlockThreshold int64   `mapstructure:"failure_block_threshold"`
	BlockMinutes          int     `mapstructure:"block_minutes"`
	SweepIntervalMinutes  int     `mapstructure:"sweep_interval_minutes"`
	MetricWindowMinutes   int     `mapstructure:"metric_window_minutes"`
	// Data-exfiltration heuristic: document accesses per hour before the
	// distinct-order diversity check kicks in
	ExfiltrationAccessThreshold int `mapstructure:"exfiltration_access_threshold"`
	ExfiltrationMinDistinct     int `mapstructure:"exfiltration_min_distinct"`
}

// AuditConfig holds audit retention configuration
type AuditConfig struct {
	ClinicalRetentionYears int `mapstructure:"clinical_retention_years"`
	AccessRetentionYears   int `mapstructure:"access_retention_years"`
	SecurityRetentionYears int `mapstructure:"security_retention_years"`
}

// ExternalConfig holds external collaborator endpoints
type ExternalConfig struct {
	RendererURL    string `mapstructure:"renderer_url"`
	DiagnosticURL  string `mapstructure:"diagnostic_url"`
	NotifierURL    string `mapstructure:"notifier_url"`
	DirectoryURL   string `mapstructure:"directory_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/lab-orders")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "laborders")
	viper.SetDefault("database.user", "laborders")
	viper.SetDefault("database.ssl_mode", "require")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.enabled", true)

	// Token defaults: requisition access tokens live for a day
	viper.SetDefault("token.ttl_hours", 24)

	// Auth defaults
	viper.SetDefault("auth.issuer", "lab-order-service")

	// Rate limiting defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.order_window_minutes", 15)
	viper.SetDefault("rate_limit.order_limit", 10)
	viper.SetDefault("rate_limit.document_window_minutes", 5)
	viper.SetDefault("rate_limit.document_limit", 30)
	viper.SetDefault("rate_limit.elevated_multiplier", 3)
	viper.SetDefault("rate_limit.burst_window_seconds", 10)
	viper.SetDefault("rate_limit.burst_limit", 5)
	viper.SetDefault("rate_limit.burst_limit_elevated", 3)

	// Threat detection defaults
	viper.SetDefault("security.risk_block_threshold", 8.0)
	viper.SetDefault("security.failure_block_threshold", 5)
	viper.SetDefault("security.block_minutes", 15)
	viper.SetDefault("security.sweep_interval_minutes", 5)
	viper.SetDefault("security.metric_window_minutes", 60)
	viper.SetDefault("security.exfiltration_access_threshold", 20)
	viper.SetDefault("security.exfiltration_min_distinct", 5)

	// Audit retention defaults (regulatory minimums)
	viper.SetDefault("audit.clinical_retention_years", 10)
	viper.SetDefault("audit.access_retention_years", 6)
	viper.SetDefault("audit.security_retention_years", 7)

	// External collaborator defaults
	viper.SetDefault("external.timeout_seconds", 30)

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides secret-bearing settings with environment variables
func overrideWithEnv(config *Config) {
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		config.Token.Secret = secret
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.Auth.JWTSecret = jwtSecret
	}

	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		config.Redis.Addr = redisAddr
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Token.Secret == "" {
		return fmt.Errorf("token secret is required")
	}

	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Token.TTLHours <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	return nil
}
