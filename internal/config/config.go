package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BillingModeSimulated   = "simulated"
	BillingModeStore       = "store"
	BillingModeUnsupported = "unsupported"

	StoreBackendGorm     = "gorm"
	StoreBackendSupabase = "supabase"
)

type Config struct {
	// Server configuration
	Port string `env:"PORT" envDefault:"8080"`
	Mode string `env:"GIN_MODE" envDefault:"debug"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Database configuration
	StoreBackend string `env:"STORE_BACKEND" envDefault:"gorm"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"donation-api.db"`
	SupabaseURL  string `env:"SUPABASE_URL"`
	SupabaseKey  string `env:"SUPABASE_KEY"`

	// Redis configuration, empty disables the cache and uses in-process flow locks
	RedisURL string `env:"REDIS_URL"`

	// Donation product
	DonationAmount   int64  `env:"DONATION_AMOUNT" envDefault:"1000"`
	AndroidProductID string `env:"ANDROID_PRODUCT_ID" envDefault:"donate_1000won"`
	IOSProductID     string `env:"IOS_PRODUCT_ID" envDefault:"com.yourcompany.burnabuck.donate_1000won"`

	// Billing
	BillingMode              string `env:"BILLING_MODE" envDefault:"simulated"`
	SimulatedPlatform        string `env:"SIMULATED_PLATFORM" envDefault:"android"`
	SimulatedDelayMS         int    `env:"SIMULATED_DELAY_MS" envDefault:"500"`
	GooglePlayPackageName    string `env:"GOOGLE_PLAY_PACKAGE_NAME"`
	GoogleServiceAccountJSON string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`

	// Retry policy
	MaxRetries                 int     `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelayMS               int     `env:"RETRY_DELAY_MS" envDefault:"1000"`
	BackoffMultiplier          float64 `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	ReceiptValidationTimeoutMS int     `env:"RECEIPT_VALIDATION_TIMEOUT_MS" envDefault:"10000"`

	// Caching and locking
	LeaderboardCacheSeconds int `env:"LEADERBOARD_CACHE_SECONDS" envDefault:"30"`
	FlowLockSeconds         int `env:"FLOW_LOCK_SECONDS" envDefault:"120"`

	// Notifications
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`
	BrevoAPIKey        string `env:"BREVO_API_KEY"`
	BrevoFromEmail     string `env:"BREVO_FROM_EMAIL"`
	BrevoFromName      string `env:"BREVO_FROM_NAME" envDefault:"Burn a Buck"`
	OperatorEmail      string `env:"OPERATOR_EMAIL"`

	// Pending finalization reconciler, empty disables it
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"@every 5m"`

	// Default app client seeded on first start
	DefaultClientID     string `env:"DEFAULT_CLIENT_ID" envDefault:"burnabuck-app"`
	DefaultClientAPIKey string `env:"DEFAULT_CLIENT_API_KEY" envDefault:"default-api-key"`
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	cfg, err := Load()
	if err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

// Load parses the environment into a Config without touching AppConfig.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot start with
func (c *Config) Validate() error {
	switch c.BillingMode {
	case BillingModeSimulated, BillingModeStore, BillingModeUnsupported:
	default:
		return fmt.Errorf("invalid BILLING_MODE %q", c.BillingMode)
	}

	switch c.StoreBackend {
	case StoreBackendGorm:
	case StoreBackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for the supabase backend")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}

	if c.SimulatedPlatform != "android" && c.SimulatedPlatform != "ios" {
		return fmt.Errorf("invalid SIMULATED_PLATFORM %q", c.SimulatedPlatform)
	}
	if c.DonationAmount <= 0 {
		return fmt.Errorf("DONATION_AMOUNT must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("BACKOFF_MULTIPLIER must be at least 1")
	}
	return nil
}

// ProductIDFor returns the store product id of the donation for a platform
func (c *Config) ProductIDFor(platform string) string {
	if platform == "ios" {
		return c.IOSProductID
	}
	return c.AndroidProductID
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *Config) ReceiptValidationTimeout() time.Duration {
	return time.Duration(c.ReceiptValidationTimeoutMS) * time.Millisecond
}

func (c *Config) SimulatedDelay() time.Duration {
	return time.Duration(c.SimulatedDelayMS) * time.Millisecond
}

func (c *Config) LeaderboardCacheTTL() time.Duration {
	return time.Duration(c.LeaderboardCacheSeconds) * time.Second
}

func (c *Config) FlowLockTTL() time.Duration {
	return time.Duration(c.FlowLockSeconds) * time.Second
}
