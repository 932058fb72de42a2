package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CronSecret       string  `mapstructure:"CRON_SECRET"`
	CronRateLimitRPS float64 `mapstructure:"CRON_RATE_LIMIT_RPS"`
	RedisURL         string  `mapstructure:"REDIS_URL"`

	ClinicTimezone  string `mapstructure:"CLINIC_TIMEZONE"`
	HorizonDays     int    `mapstructure:"HORIZON_DAYS"`
	MonthlyOverflow string `mapstructure:"MONTHLY_OVERFLOW"`

	OfferWindow          time.Duration `mapstructure:"OFFER_WINDOW"`
	WaitlistAutoReoffer  bool          `mapstructure:"WAITLIST_AUTO_REOFFER"`
	WaitlistFlexibleDays int           `mapstructure:"WAITLIST_FLEXIBLE_DAYS"`

	NearLimitThreshold int           `mapstructure:"NEAR_LIMIT_THRESHOLD"`
	JobDeadline        time.Duration `mapstructure:"JOB_DEADLINE"`
	JobConcurrency     int           `mapstructure:"JOB_CONCURRENCY"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS", "DEFAULT_TENANT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CRON_SECRET", "CRON_RATE_LIMIT_RPS", "REDIS_URL",
	"CLINIC_TIMEZONE", "HORIZON_DAYS", "MONTHLY_OVERFLOW",
	"OFFER_WINDOW", "WAITLIST_AUTO_REOFFER", "WAITLIST_FLEXIBLE_DAYS",
	"NEAR_LIMIT_THRESHOLD", "JOB_DEADLINE", "JOB_CONCURRENCY", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CRON_RATE_LIMIT_RPS", 1)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("HORIZON_DAYS", 30)
	v.SetDefault("MONTHLY_OVERFLOW", "clamp")
	v.SetDefault("OFFER_WINDOW", "24h")
	v.SetDefault("WAITLIST_AUTO_REOFFER", true)
	v.SetDefault("WAITLIST_FLEXIBLE_DAYS", 7)
	v.SetDefault("NEAR_LIMIT_THRESHOLD", 2)
	v.SetDefault("JOB_DEADLINE", "10m")
	v.SetDefault("JOB_CONCURRENCY", 4)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the clinic time zone, falling back to UTC when the name
// cannot be loaded. Validate reports that case.
func (c *Config) Location() *time.Location {
	if c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks cross-field rules. Outside development a token verifier must
// be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.MonthlyOverflow != "clamp" && c.MonthlyOverflow != "skip" {
		return fmt.Errorf("MONTHLY_OVERFLOW must be \"clamp\" or \"skip\", got %q", c.MonthlyOverflow)
	}
	if c.HorizonDays < 1 || c.HorizonDays > 365 {
		return fmt.Errorf("HORIZON_DAYS must be between 1 and 365, got %d", c.HorizonDays)
	}
	if c.OfferWindow <= 0 {
		return fmt.Errorf("OFFER_WINDOW must be positive, got %s", c.OfferWindow)
	}
	if c.WaitlistFlexibleDays < 0 {
		return fmt.Errorf("WAITLIST_FLEXIBLE_DAYS must not be negative")
	}
	if c.NearLimitThreshold < 0 {
		return fmt.Errorf("NEAR_LIMIT_THRESHOLD must not be negative")
	}
	if c.JobDeadline <= 0 {
		return fmt.Errorf("JOB_DEADLINE must be positive, got %s", c.JobDeadline)
	}
	if c.JobConcurrency < 1 {
		return fmt.Errorf("JOB_CONCURRENCY must be at least 1")
	}
	if c.ClinicTimezone != "" {
		if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
			return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
		}
	}
	if c.IsProduction() && c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required in production")
	}
	return nil
}
