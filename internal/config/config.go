package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	External  ExternalConfig  `mapstructure:"external"`
	Review    ReviewConfig    `mapstructure:"review"`
	Signing   SigningConfig   `mapstructure:"signing"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type PipelineConfig struct {
	MaxAttempts        int     `mapstructure:"max_attempts"`
	FailClosed         bool    `mapstructure:"fail_closed"`
	LowStockMultiplier float64 `mapstructure:"low_stock_multiplier"`
	PharmacistInbox    string  `mapstructure:"pharmacist_inbox"`
}

type ExternalConfig struct {
	OpenFDABaseURL    string        `mapstructure:"openfda_base_url"`
	RxNavBaseURL      string        `mapstructure:"rxnav_base_url"`
	DailyMedBaseURL   string        `mapstructure:"dailymed_base_url"`
	DailyMedPublicURL string        `mapstructure:"dailymed_public_url"`
	OpenFDAAPIKey     string        `mapstructure:"openfda_api_key"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
	CitationTimeout   time.Duration `mapstructure:"citation_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

type ReviewConfig struct {
	// Provider is none, openai or gemini.
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	GeminiAPIKey  string        `mapstructure:"gemini_api_key"`
}

type SigningConfig struct {
	IntentTTL       time.Duration `mapstructure:"intent_ttl"`
	Strict          bool          `mapstructure:"strict"`
	MaxPINAttempts  int           `mapstructure:"max_pin_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type RetentionConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	OutboxMaxAge time.Duration `mapstructure:"outbox_max_age"`
	IntentMaxAge time.Duration `mapstructure:"intent_max_age"`
}

// secrets are read from the environment only. Each key is looked up with the
// COMPOUNDING_ prefix first and then bare.
type secrets struct {
	OpenFDAAPIKey string `envconfig:"OPENFDA_API_KEY"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	DBPassword    string `envconfig:"DB_PASSWORD"`
}

const envPrefix = "COMPOUNDING"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "compounding")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "compounding.audit")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.retry_attempts", 5)
	v.SetDefault("outbox.retry_delay", time.Second)

	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.fail_closed", true)
	v.SetDefault("pipeline.low_stock_multiplier", 1.25)

	v.SetDefault("external.openfda_base_url", "https://api.fda.gov")
	v.SetDefault("external.rxnav_base_url", "https://rxnav.nlm.nih.gov/REST")
	v.SetDefault("external.dailymed_base_url", "https://dailymed.nlm.nih.gov/dailymed/services/v2")
	v.SetDefault("external.dailymed_public_url", "https://dailymed.nlm.nih.gov/dailymed/drugInfo.cfm")
	v.SetDefault("external.lookup_timeout", 5*time.Second)
	v.SetDefault("external.citation_timeout", 8*time.Second)
	v.SetDefault("external.requests_per_second", 4.0)
	v.SetDefault("external.burst", 8)
	v.SetDefault("external.cache_ttl", 15*time.Minute)
	v.SetDefault("external.breaker_failures", 5)
	v.SetDefault("external.breaker_timeout", 30*time.Second)

	v.SetDefault("review.provider", "none")
	v.SetDefault("review.timeout", 20*time.Second)

	v.SetDefault("signing.intent_ttl", 10*time.Minute)
	v.SetDefault("signing.strict", true)
	v.SetDefault("signing.max_pin_attempts", 5)
	v.SetDefault("signing.lockout_duration", 15*time.Minute)
	v.SetDefault("signing.bcrypt_cost", 12)

	v.SetDefault("jwt.issuer", "compounding-api")
	v.SetDefault("jwt.expiry_hours", 12)

	v.SetDefault("smtp.port", 587)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("log.level", "info")

	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.outbox_max_age", 7*24*time.Hour)
	v.SetDefault("retention.intent_max_age", 24*time.Hour)
}

// Load reads config.yaml (from path, or ./ and ./config when path is empty),
// applies COMPOUNDING_* environment overrides and then the secret variables.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var s secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read secrets from environment: %w", err)
	}
	overlay(&cfg.External.OpenFDAAPIKey, s.OpenFDAAPIKey)
	overlay(&cfg.Review.OpenAIAPIKey, s.OpenAIAPIKey)
	overlay(&cfg.Review.GeminiAPIKey, s.GeminiAPIKey)
	overlay(&cfg.JWT.Secret, s.JWTSecret)
	overlay(&cfg.SMTP.Password, s.SMTPPassword)
	overlay(&cfg.Database.Password, s.DBPassword)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > 3:
		return fmt.Errorf("pipeline.max_attempts must be between 1 and 3, got %d", c.Pipeline.MaxAttempts)
	case c.Signing.IntentTTL <= 0:
		return errors.New("signing.intent_ttl must be positive")
	case c.Signing.MaxPINAttempts < 1:
		return errors.New("signing.max_pin_attempts must be at least 1")
	}
	switch c.Review.Provider {
	case "", "none", "openai", "gemini":
	default:
		return fmt.Errorf("unknown review.provider %q", c.Review.Provider)
	}
	return nil
}
