package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"` // "memory" or "sqlite"
	DBPath       string `envconfig:"DB_PATH" default:"stagecoord.db"`
	CatalogPath  string `envconfig:"CATALOG_PATH"` // empty uses the built-in catalog

	// Budgets and credit
	DefaultProjectBudget float64       `envconfig:"DEFAULT_PROJECT_BUDGET" default:"100"`
	DefaultUserBalance   int           `envconfig:"DEFAULT_USER_BALANCE" default:"1000"`
	DailyCreditLimit     int           `envconfig:"DAILY_CREDIT_LIMIT" default:"1000"`
	SimultaneousJobLimit int           `envconfig:"SIMULTANEOUS_JOB_LIMIT" default:"2"`
	PremiumMinBalance    int           `envconfig:"PREMIUM_MIN_BALANCE" default:"500"`
	ReservationTTL       time.Duration `envconfig:"RESERVATION_TTL" default:"15m"`

	// Maintenance
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	AssetColdAfter       time.Duration `envconfig:"ASSET_COLD_AFTER" default:"1h"`
	IdempotencyCacheSize int           `envconfig:"IDEMPOTENCY_CACHE_SIZE" default:"1024"`
	IdempotencyTTL       time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	// Planning
	HistorySummaryChars int `envconfig:"HISTORY_SUMMARY_CHARS" default:"1500"`

	// Adapters: comma-separated "capability=url" pairs. Capabilities without
	// an endpoint use the simulated adapter.
	AdapterEndpoints string        `envconfig:"ADAPTER_ENDPOINTS"`
	AdapterTimeout   time.Duration `envconfig:"ADAPTER_TIMEOUT" default:"2m"`
	AdapterAPIKey    string        `envconfig:"ADAPTER_API_KEY"`

	// Events
	EventWebhookURL    string `envconfig:"EVENT_WEBHOOK_URL"`
	EventWebhookSecret string `envconfig:"EVENT_WEBHOOK_SECRET"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // "api-key" or "none"
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
}

// IsDevelopment reports whether the console log writer should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// UseSQLite reports whether shared state is kept in the SQLite file.
func (c *Config) UseSQLite() bool {
	return !strings.EqualFold(c.StoreBackend, "memory")
}

// AdapterEndpointMap parses ADAPTER_ENDPOINTS.
// Format: "video_generation=https://gen.internal/video,voice_clone=http://tts:8000"
func (c *Config) AdapterEndpointMap() (map[stage.Capability]string, error) {
	out := make(map[stage.Capability]string)
	if strings.TrimSpace(c.AdapterEndpoints) == "" {
		return out, nil
	}
	for _, part := range strings.Split(c.AdapterEndpoints, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.SplitN(part, "=", 2)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("invalid adapter endpoint %q, expected capability=url", part)
		}
		capability := stage.Capability(strings.TrimSpace(tokens[0]))
		if !capability.Known() {
			return nil, fmt.Errorf("unknown capability %q in ADAPTER_ENDPOINTS", capability)
		}
		raw := strings.TrimSpace(tokens[1])
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint URL for %s: %q", capability, raw)
		}
		if _, dup := out[capability]; dup {
			return nil, fmt.Errorf("capability %s listed twice in ADAPTER_ENDPOINTS", capability)
		}
		out[capability] = raw
	}
	return out, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or sqlite, got %q", c.StoreBackend)
	}
	switch c.MgmtAuthMode {
	case "api-key":
		if c.MgmtAPIKey == "" && !c.IsDevelopment() {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key outside development")
		}
	case "none":
	default:
		return fmt.Errorf("MGMT_AUTH_MODE must be api-key or none, got %q", c.MgmtAuthMode)
	}
	if c.DefaultProjectBudget <= 0 {
		return fmt.Errorf("DEFAULT_PROJECT_BUDGET must be positive")
	}
	if c.SimultaneousJobLimit < 0 || c.DailyCreditLimit < 0 || c.DefaultUserBalance < 0 {
		return fmt.Errorf("credit limits must not be negative")
	}
	if c.ReservationTTL <= 0 || c.SweepInterval <= 0 || c.AssetColdAfter <= 0 {
		return fmt.Errorf("RESERVATION_TTL, SWEEP_INTERVAL and ASSET_COLD_AFTER must be positive")
	}
	if _, err := c.AdapterEndpointMap(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
