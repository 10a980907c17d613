package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Signature   SignatureConfig `mapstructure:"signature"`
	Credits     CreditsConfig   `mapstructure:"credits"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Abuse       AbuseConfig     `mapstructure:"abuse"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Provider    ProviderConfig  `mapstructure:"provider"`
	Log         LogConfig       `mapstructure:"log"`
}

// IsProduction reports whether the server runs in production mode.
// The credit bypass header is honored only outside production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

// AuthConfig holds session authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SignatureConfig holds request signature verification configuration.
type SignatureConfig struct {
	Secret       string        `mapstructure:"secret"`
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
}

// CreditsConfig holds credit cost and plan allotment configuration.
type CreditsConfig struct {
	CostTryOn   int64 `mapstructure:"cost_tryon"`
	CostVideo   int64 `mapstructure:"cost_video"`
	CostModel3D int64 `mapstructure:"cost_model3d"`

	FreeAllotment int64 `mapstructure:"free_allotment"`
	PaidAllotment int64 `mapstructure:"paid_allotment"`
}

// RateLimitConfig holds admission window configuration.
type RateLimitConfig struct {
	GlobalCeiling int           `mapstructure:"global_ceiling"`
	GlobalWindow  time.Duration `mapstructure:"global_window"`

	Window       time.Duration `mapstructure:"window"`
	LimitTryOn   int           `mapstructure:"limit_tryon"`
	LimitVideo   int           `mapstructure:"limit_video"`
	LimitModel3D int           `mapstructure:"limit_model3d"`
}

// AbuseConfig holds abuse scoring and auto-block configuration.
type AbuseConfig struct {
	WeightHigh   float64 `mapstructure:"weight_high"`
	WeightMedium float64 `mapstructure:"weight_medium"`
	WeightLow    float64 `mapstructure:"weight_low"`

	DecayWindow        time.Duration `mapstructure:"decay_window"`
	BlockThreshold     float64       `mapstructure:"block_threshold"`
	AutoBlockThreshold float64       `mapstructure:"auto_block_threshold"`
	AutoBlockDuration  time.Duration `mapstructure:"auto_block_duration"`
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ProviderConfig holds generation provider configuration.
type ProviderConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`

	BreakerFailureThreshold uint32        `mapstructure:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `mapstructure:"breaker_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/stylemirror")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("STYLEMIRROR")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if secret := os.Getenv("STYLEMIRROR_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("STYLEMIRROR_SIGNATURE_SECRET"); secret != "" {
		cfg.Signature.Secret = secret
	}
	if password := os.Getenv("STYLEMIRROR_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("STYLEMIRROR_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("STYLEMIRROR_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}
	if key := os.Getenv("STYLEMIRROR_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "stylemirror")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.bucket", "stylemirror-results")
	v.SetDefault("storage.presign_ttl", 15*time.Minute)

	// Signature defaults
	v.SetDefault("signature.max_clock_skew", 5*time.Minute)

	// Credits defaults
	v.SetDefault("credits.cost_tryon", 2)
	v.SetDefault("credits.cost_video", 10)
	v.SetDefault("credits.cost_model3d", 5)
	v.SetDefault("credits.free_allotment", 10)
	v.SetDefault("credits.paid_allotment", 200)

	// Rate limit defaults
	v.SetDefault("rate_limit.global_ceiling", 100)
	v.SetDefault("rate_limit.global_window", time.Minute)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.limit_tryon", 6)
	v.SetDefault("rate_limit.limit_video", 2)
	v.SetDefault("rate_limit.limit_model3d", 3)

	// Abuse defaults
	v.SetDefault("abuse.weight_high", 30)
	v.SetDefault("abuse.weight_medium", 10)
	v.SetDefault("abuse.weight_low", 3)
	v.SetDefault("abuse.decay_window", time.Hour)
	v.SetDefault("abuse.block_threshold", 60)
	v.SetDefault("abuse.auto_block_threshold", 100)
	v.SetDefault("abuse.auto_block_duration", 24*time.Hour)

	// Cache defaults
	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("cache.sweep_interval", time.Hour)

	// Provider defaults
	v.SetDefault("provider.request_timeout", 60*time.Second)
	v.SetDefault("provider.poll_interval", 2*time.Second)
	v.SetDefault("provider.max_poll_attempts", 150)
	v.SetDefault("provider.breaker_failure_threshold", 5)
	v.SetDefault("provider.breaker_timeout", 60*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
