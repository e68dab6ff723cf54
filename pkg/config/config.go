package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kernel runtime configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level"`
	SovereignMode   bool          `yaml:"sovereign_mode"`
	PolicyChainPath string        `yaml:"policy_chain_path"`
	KeyDir          string        `yaml:"key_dir"`
	KeyID           string        `yaml:"key_id"`
	LedgerBackend   string        `yaml:"ledger_backend"` // "memory" | "sqlite"
	LedgerPath      string        `yaml:"ledger_path"`
	FlushPath       string        `yaml:"flush_path"`
	ShadowWallClock time.Duration `yaml:"shadow_wall_clock"`
	ShadowMaxMemory int64         `yaml:"shadow_max_memory"`
	IntentTimeout   time.Duration `yaml:"intent_timeout"`
}

// Load loads configuration from environment variables, falling back to
// defaults for anything unset.
func Load() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile loads configuration from a YAML file. Environment variables take
// precedence over file values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// SlogLevel maps the configured log level onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LedgerBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	if c.LedgerBackend == "sqlite" && c.LedgerPath == "" {
		return fmt.Errorf("sqlite ledger backend requires ledger_path")
	}
	if c.ShadowWallClock <= 0 {
		return fmt.Errorf("shadow wall clock must be positive, got %s", c.ShadowWallClock)
	}
	if c.IntentTimeout <= 0 {
		return fmt.Errorf("intent timeout must be positive, got %s", c.IntentTimeout)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AEGIS_SOVEREIGN_MODE"); v != "" {
		c.SovereignMode = v == "true"
	}
	if v := os.Getenv("AEGIS_POLICY_CHAIN"); v != "" {
		c.PolicyChainPath = v
	}
	if v := os.Getenv("AEGIS_KEY_DIR"); v != "" {
		c.KeyDir = v
	}
	if v := os.Getenv("AEGIS_KEY_ID"); v != "" {
		c.KeyID = v
	}
	if v := os.Getenv("AEGIS_LEDGER_BACKEND"); v != "" {
		c.LedgerBackend = v
	}
	if v := os.Getenv("AEGIS_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("AEGIS_FLUSH_PATH"); v != "" {
		c.FlushPath = v
	}
	if v := os.Getenv("AEGIS_SHADOW_WALL_CLOCK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShadowWallClock = d
		}
	}
	if v := os.Getenv("AEGIS_SHADOW_MAX_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ShadowMaxMemory = n
		}
	}
	if v := os.Getenv("AEGIS_INTENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IntentTimeout = d
		}
	}
}

func defaults() *Config {
	return &Config{
		LogLevel:        "INFO",
		KeyDir:          ".aegis/keys",
		KeyID:           "aegis-key-1",
		LedgerBackend:   "memory",
		FlushPath:       ".aegis/ledger.jsonl",
		ShadowWallClock: 2 * time.Second,
		ShadowMaxMemory: 64 << 20,
		IntentTimeout:   5 * time.Minute,
	}
}
