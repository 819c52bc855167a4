package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/tutu-network/scribe/internal/app/jobs"
	"github.com/tutu-network/scribe/internal/domain"
)

// Config is the on-disk configuration (~/.scribe/config.toml).
// Secrets are normally supplied through the environment.
type Config struct {
	API      APIConfig      `toml:"api"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Jobs     JobsConfig     `toml:"jobs"`
	Payments PaymentsConfig `toml:"payments"`
	Auth     AuthConfig     `toml:"auth"`
	AI       AIConfig       `toml:"ai"`
	Log      LogConfig      `toml:"log"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout string   `toml:"request_timeout"`
	Metrics        bool     `toml:"metrics"`
}

// LedgerConfig configures pricing and the ledger store.
type LedgerConfig struct {
	StartingBalance     int64  `toml:"starting_balance"`
	StorageBlockMinutes int64  `toml:"storage_block_minutes"`
	SummaryCost         int64  `toml:"summary_cost"`
	HistoryMaxLimit     int    `toml:"history_max_limit"`
	TxLeakThreshold     string `toml:"tx_leak_threshold"`
}

// JobsConfig configures the summary worker.
type JobsConfig struct {
	Workers         int    `toml:"workers"`
	Lease           string `toml:"lease"`
	SweepInterval   string `toml:"sweep_interval"`
	Timeout         string `toml:"timeout"`
	AIRatePerMinute int    `toml:"ai_rate_per_minute"`
}

// PaymentsConfig configures purchases and settlement.
type PaymentsConfig struct {
	Currency             string           `toml:"currency"`
	StripeSecretKey      string           `toml:"stripe_secret_key"`
	WebhookSecret        string           `toml:"webhook_secret"`
	WebhookSweepInterval string           `toml:"webhook_sweep_interval"`
	WebhookMaxAttempts   int              `toml:"webhook_max_attempts"`
	Products             []domain.Product `toml:"products"`
}

// AuthConfig configures token verification and the admin key.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	AdminKey  string `toml:"admin_key"`
}

// AIConfig configures the completion service.
type AIConfig struct {
	BaseURL            string `toml:"base_url"`
	Model              string `toml:"model"`
	APIKey             string `toml:"api_key"`
	MaxTranscriptChars int    `toml:"max_transcript_chars"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestTimeout: "60s",
			Metrics:        true,
		},
		Ledger: LedgerConfig{
			StartingBalance:     50,
			StorageBlockMinutes: 30,
			SummaryCost:         1,
			HistoryMaxLimit:     100,
			TxLeakThreshold:     "5s",
		},
		Jobs: JobsConfig{
			Workers:         4,
			Lease:           "4m",
			SweepInterval:   "30s",
			Timeout:         "2m",
			AIRatePerMinute: 60,
		},
		Payments: PaymentsConfig{
			Currency:             "usd",
			WebhookSweepInterval: "1m",
			WebhookMaxAttempts:   10,
			Products: []domain.Product{
				{ID: "credits_100", Name: "100 credits", PriceCents: 500, Credits: 100},
				{ID: "credits_500", Name: "500 credits", PriceCents: 2000, Credits: 500},
				{ID: "credits_1500", Name: "1500 credits", PriceCents: 5000, Credits: 1500},
			},
		},
		AI: AIConfig{
			BaseURL:            "https://api.openai.com/v1",
			Model:              "gpt-4o-mini",
			MaxTranscriptChars: 32000,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Home returns the scribe data directory: $SCRIBE_HOME or ~/.scribe.
func Home() string {
	if h := os.Getenv("SCRIBE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scribe"
	}
	return filepath.Join(home, ".scribe")
}

// LoadConfig reads .env files, then config.toml from home, then applies
// environment overrides. A missing config file yields the defaults.
func LoadConfig(home string) (Config, error) {
	// Best effort: a .env in the data directory, then the working directory.
	_ = godotenv.Load(filepath.Join(home, ".env"))
	_ = godotenv.Load()

	cfg := DefaultConfig()
	path := filepath.Join(home, "config.toml")
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.AdminKey, "ADMIN_KEY")
	setString(&c.Payments.StripeSecretKey, "STRIPE_SECRET_KEY")
	setString(&c.Payments.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.AI.APIKey, "AI_API_KEY")
	setString(&c.AI.BaseURL, "AI_BASE_URL")
	setString(&c.AI.Model, "AI_MODEL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.API.Port < 1 || c.API.Port > 65535 {
		bad("api.port %d out of range", c.API.Port)
	}
	if c.Ledger.StartingBalance < 0 {
		bad("ledger.starting_balance must be >= 0")
	}
	if c.Ledger.StorageBlockMinutes < 1 {
		bad("ledger.storage_block_minutes must be >= 1")
	}
	if c.Ledger.SummaryCost < 0 {
		bad("ledger.summary_cost must be >= 0")
	}
	if c.Ledger.HistoryMaxLimit < 1 {
		bad("ledger.history_max_limit must be >= 1")
	}
	if c.Jobs.Workers < 1 {
		bad("jobs.workers must be >= 1")
	}
	if c.Jobs.AIRatePerMinute < 0 {
		bad("jobs.ai_rate_per_minute must be >= 0")
	}
	if c.Payments.WebhookMaxAttempts < 1 {
		bad("payments.webhook_max_attempts must be >= 1")
	}

	for name, v := range map[string]string{
		"api.request_timeout":             c.API.RequestTimeout,
		"ledger.tx_leak_threshold":        c.Ledger.TxLeakThreshold,
		"jobs.lease":                      c.Jobs.Lease,
		"jobs.sweep_interval":             c.Jobs.SweepInterval,
		"jobs.timeout":                    c.Jobs.Timeout,
		"payments.webhook_sweep_interval": c.Payments.WebhookSweepInterval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			bad("%s %q is not a positive duration", name, v)
		}
	}

	lease, leaseErr := time.ParseDuration(c.Jobs.Lease)
	timeout, timeoutErr := time.ParseDuration(c.Jobs.Timeout)
	if leaseErr == nil && timeoutErr == nil && timeout > 0 && lease < jobs.LeaseFactor*timeout {
		bad("jobs.lease %s must be at least %d x jobs.timeout (%s)", c.Jobs.Lease, jobs.LeaseFactor, c.Jobs.Timeout)
	}

	seen := make(map[string]bool)
	for _, p := range c.Payments.Products {
		switch {
		case p.ID == "":
			bad("payments.products: product without id")
		case seen[p.ID]:
			bad("payments.products: duplicate id %q", p.ID)
		case p.PriceCents <= 0 || p.Credits <= 0:
			bad("payments.products %q: price_cents and credits must be > 0", p.ID)
		}
		seen[p.ID] = true
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		bad("log.format %q must be json or console", c.Log.Format)
	}
	return errors.Join(errs...)
}

// duration parses a validated duration string, falling back to def.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
