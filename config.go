package quotagate

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Quota     QuotaConfig     `yaml:"quota"`
	Gate      GateConfig      `yaml:"gate"`
	Admin     AdminConfig     `yaml:"admin"`
	Store     StoreConfig     `yaml:"store"`
	Generator GeneratorConfig `yaml:"generator"`
	HTTP      HTTPConfig      `yaml:"http"`
	Burst     BurstConfig     `yaml:"burst"`
	Log       LogConfig       `yaml:"log"`
}

// QuotaConfig sets the daily allotments.
type QuotaConfig struct {
	DefaultDaily int64            `yaml:"default_daily"`
	Tiers        map[string]int64 `yaml:"tiers"`
}

// Allotments converts the quota section.
func (q QuotaConfig) Allotments() Allotments {
	a := Allotments{Default: q.DefaultDaily, Tiers: make(map[string]int64, len(q.Tiers))}
	for k, v := range q.Tiers {
		a.Tiers[k] = v
	}
	return a
}

// GateConfig tunes store access from the gate.
type GateConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
}

// AdminConfig tunes privilege administration.
type AdminConfig struct {
	HandleChangeCooldown time.Duration `yaml:"handle_change_cooldown"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// StoreConfig selects and configures the account store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`          // postgres
	TablePrefix string `yaml:"table_prefix"` // postgres
	Addr        string `yaml:"addr"`         // redis
	Password    string `yaml:"password"`     // redis
	DB          int    `yaml:"db"`           // redis
	KeyPrefix   string `yaml:"key_prefix"`   // redis
}

// GeneratorConfig selects and configures the generation service.
type GeneratorConfig struct {
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`

	// Gemini request settings. Unset values use the API defaults.
	SystemInstruction string   `yaml:"system_instruction"`
	Temperature       *float64 `yaml:"temperature"`
	MaxOutputTokens   int      `yaml:"max_output_tokens"`

	// Mock settings.
	MockResponse string        `yaml:"mock_response"`
	MockLatency  time.Duration `yaml:"mock_latency"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr           string `yaml:"addr"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTIssuer      string `yaml:"jwt_issuer"`
	MaxPromptBytes int    `yaml:"max_prompt_bytes"`
}

// BurstConfig configures suspicious-activity detection.
type BurstConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// DefaultConfig returns a configuration with product defaults.
func DefaultConfig() Config {
	a := DefaultAllotments()
	return Config{
		Quota: QuotaConfig{DefaultDaily: a.Default, Tiers: a.Tiers},
		Gate: GateConfig{
			RetryAttempts: defaultRetryAttempts,
			RetryBackoff:  defaultRetryBackoff,
			StoreTimeout:  defaultStoreTimeout,
		},
		Admin:     AdminConfig{HandleChangeCooldown: defaultHandleCooldown},
		Store:     StoreConfig{Driver: StoreMemory},
		Generator: GeneratorConfig{Provider: "mock", Timeout: 60 * time.Second},
		HTTP:      HTTPConfig{Addr: ":8080", MaxPromptBytes: defaultMaxPromptBytes},
		Burst:     BurstConfig{Window: 10 * time.Minute, Threshold: 30},
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotagate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotagate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Quota.DefaultDaily < 0 {
		return fmt.Errorf("quotagate: config: quota.default_daily must not be negative")
	}
	for tier, n := range c.Quota.Tiers {
		if tier == "" {
			return fmt.Errorf("quotagate: config: quota.tiers: empty tier name")
		}
		if n < 0 {
			return fmt.Errorf("quotagate: config: quota.tiers.%s must not be negative", tier)
		}
	}

	if c.Gate.RetryAttempts < 1 {
		return fmt.Errorf("quotagate: config: gate.retry_attempts must be at least 1")
	}
	if c.Gate.StoreTimeout <= 0 {
		return fmt.Errorf("quotagate: config: gate.store_timeout must be positive")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("quotagate: config: store.dsn is required for postgres")
		}
	case StoreRedis:
		if c.Store.Addr == "" {
			return fmt.Errorf("quotagate: config: store.addr is required for redis")
		}
	default:
		return fmt.Errorf("quotagate: config: invalid store.driver %q", c.Store.Driver)
	}

	switch c.Generator.Provider {
	case "mock":
		if c.Generator.MockLatency < 0 {
			return fmt.Errorf("quotagate: config: generator.mock_latency must not be negative")
		}
	case "gemini":
		if c.Generator.APIKey == "" {
			return fmt.Errorf("quotagate: config: generator.api_key is required for gemini")
		}
		if t := c.Generator.Temperature; t != nil && (*t < 0 || *t > 2) {
			return fmt.Errorf("quotagate: config: generator.temperature must be within [0, 2]")
		}
		if c.Generator.MaxOutputTokens < 0 {
			return fmt.Errorf("quotagate: config: generator.max_output_tokens must not be negative")
		}
	default:
		return fmt.Errorf("quotagate: config: invalid generator.provider %q", c.Generator.Provider)
	}

	if c.Burst.Window <= 0 || c.Burst.Threshold < 1 {
		return fmt.Errorf("quotagate: config: burst.window and burst.threshold must be positive")
	}

	return nil
}
