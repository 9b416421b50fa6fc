package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// Shared secret expected on intake webhook deliveries. Empty means the
	// ingress is unconfigured and every delivery is rejected with a
	// SECRET_NOT_CONFIGURED error rather than silently accepted.
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	// Slug of the clinic that receives intake submissions carrying no
	// clinic hint of their own.
	DefaultClinic string `mapstructure:"DEFAULT_CLINIC"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	PharmacyBaseURL string        `mapstructure:"PHARMACY_BASE_URL"`
	PharmacyAPIKey  string        `mapstructure:"PHARMACY_API_KEY"`
	PharmacyTimeout time.Duration `mapstructure:"PHARMACY_TIMEOUT"`

	SOAPNoteBaseURL string        `mapstructure:"SOAPNOTE_BASE_URL"`
	SOAPNoteTimeout time.Duration `mapstructure:"SOAPNOTE_TIMEOUT"`

	StorageEndpoint  string `mapstructure:"STORAGE_ENDPOINT"`
	StorageAccessKey string `mapstructure:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `mapstructure:"STORAGE_SECRET_KEY"`
	StorageBucket    string `mapstructure:"STORAGE_BUCKET"`
	StorageUseSSL    bool   `mapstructure:"STORAGE_USE_SSL"`
	StorageBaseURL   string `mapstructure:"STORAGE_BASE_URL"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("PHARMACY_TIMEOUT", "15s")
	v.SetDefault("SOAPNOTE_TIMEOUT", "20s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("STORAGE_BUCKET", "intake-documents")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("DEFAULT_CLINIC")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("PHARMACY_BASE_URL")
	v.BindEnv("PHARMACY_API_KEY")
	v.BindEnv("PHARMACY_TIMEOUT")
	v.BindEnv("SOAPNOTE_BASE_URL")
	v.BindEnv("SOAPNOTE_TIMEOUT")
	v.BindEnv("STORAGE_ENDPOINT")
	v.BindEnv("STORAGE_ACCESS_KEY")
	v.BindEnv("STORAGE_SECRET_KEY")
	v.BindEnv("STORAGE_BUCKET")
	v.BindEnv("STORAGE_USE_SSL")
	v.BindEnv("STORAGE_BASE_URL")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.WebhookSecret == "" {
		log.Println("WARNING: WEBHOOK_SECRET is not set; the intake webhook will reject every delivery")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// a webhook secret and a JWT signing key; without them the intake ingress and
// the prescription API would be open.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required in production")
		}
		if c.PharmacyBaseURL == "" {
			return fmt.Errorf("PHARMACY_BASE_URL is required in production")
		}
	}
	if c.PharmacyTimeout <= 0 {
		return fmt.Errorf("PHARMACY_TIMEOUT must be positive")
	}
	if c.RequestTimeout > 0 && c.PharmacyTimeout >= c.RequestTimeout {
		return fmt.Errorf("PHARMACY_TIMEOUT (%s) must be shorter than REQUEST_TIMEOUT (%s)",
			c.PharmacyTimeout, c.RequestTimeout)
	}
	if c.SOAPNoteTimeout >= c.RequestTimeout && c.RequestTimeout > 0 {
		return fmt.Errorf("SOAPNOTE_TIMEOUT (%s) must be shorter than REQUEST_TIMEOUT (%s)",
			c.SOAPNoteTimeout, c.RequestTimeout)
	}
	return nil
}
