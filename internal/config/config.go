package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"crapless.app/cloud/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	EmailPostmark = "postmark"
	EmailSMTP     = "smtp"
	EmailNone     = "none"
)

type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	AppURL  string `env:"APP_URL,required,notEmpty"`
	AppName string `env:"APP_NAME" envDefault:"Crapless Craps Analyzer"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`

	StripeSecret        string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required,notEmpty"`
	StripePricePro      string `env:"STRIPE_PRICE_PRO"`
	StripePriceLifetime string `env:"STRIPE_PRICE_LIFETIME"`

	LicenseKeyPrefix string `env:"LICENSE_KEY_PREFIX" envDefault:"CRPS"`

	EmailService         string `env:"EMAIL_SERVICE" envDefault:"none"` // "postmark", "smtp" or "none"
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SMTPHost             string `env:"SMTP_HOST"`
	SMTPPort             string `env:"SMTP_PORT"`
	SMTPUsername         string `env:"SMTP_USERNAME"`
	SMTPPassword         string `env:"SMTP_PASSWORD"`
	EmailFrom            string `env:"EMAIL_FROM"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`

	RedisURL          string        `env:"REDIS_URL"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	SentryDSN string `env:"SENTRY_DSN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
}

func New() (*Config, error) {
	// A missing .env file is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	appURL, err := url.Parse(c.AppURL)
	if err != nil || appURL.Scheme == "" || appURL.Host == "" {
		return errors.New("APP_URL must be an absolute URL")
	}
	c.AppURL = strings.TrimRight(c.AppURL, "/")

	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}

	if c.StripePricePro == "" && c.StripePriceLifetime == "" {
		return errors.New("at least one of STRIPE_PRICE_PRO or STRIPE_PRICE_LIFETIME is required")
	}

	if c.EmailFrom == "" {
		c.EmailFrom = "noreply@" + appURL.Hostname()
	}
	if c.SupportEmail == "" {
		c.SupportEmail = c.EmailFrom
	}

	switch c.EmailService {
	case EmailPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			return errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN environment variables are required when using Postmark")
		}
	case EmailSMTP:
		if c.SMTPHost == "" || c.SMTPPort == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when using SMTP")
		}
	case EmailNone:
	default:
		return fmt.Errorf("EMAIL_SERVICE must be %q, %q or %q, got %q", EmailPostmark, EmailSMTP, EmailNone, c.EmailService)
	}

	if c.RateLimitRequests < 0 {
		return errors.New("RATE_LIMIT_REQUESTS cannot be negative")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}

	return nil
}

// Prices maps each sellable plan to its Stripe price id. Plans without a
// configured price are left out and cannot be checked out.
func (c *Config) Prices() map[models.Plan]string {
	prices := make(map[models.Plan]string, 2)
	if c.StripePricePro != "" {
		prices[models.PlanPro] = c.StripePricePro
	}
	if c.StripePriceLifetime != "" {
		prices[models.PlanLifetime] = c.StripePriceLifetime
	}
	return prices
}
