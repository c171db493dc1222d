package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "ROLECHAT_"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `koanf:"basic_config"`
	Databases   map[string]DatabaseConfig `koanf:"databases"`
	Redis       RedisConfig               `koanf:"redis"`
	Assistant   AssistantConfig           `koanf:"assistant"`
	Analysis    AnalysisConfig            `koanf:"analysis"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	Run         RunConfig                 `koanf:"run"`
	Reconciler  ReconcilerConfig          `koanf:"reconciler"`
}

type BasicConfig struct {
	ServerAddress string   `koanf:"server_address"`
	Database      string   `koanf:"database"`
	Roles         []string `koanf:"roles"`
	LogLevel      string   `koanf:"log_level"`
	LogFormat     string   `koanf:"log_format"`
}

type DatabaseConfig struct {
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
	Params   string `koanf:"params"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Enabled reports whether a redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// AssistantConfig points at the hosted assistant that owns the conversation threads.
type AssistantConfig struct {
	APIKey        string `koanf:"api_key"`
	BaseURL       string `koanf:"base_url"`
	AssistantID   string `koanf:"assistant_id"`
	VectorStoreID string `koanf:"vector_store_id"`
	RolePrefix    bool   `koanf:"role_prefix"`
}

type AnalysisConfig struct {
	Provider     string `koanf:"provider"`
	Model        string `koanf:"model"`
	SystemPrompt string `koanf:"system_prompt"`
}

type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

type RunConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Budget       time.Duration `koanf:"budget"`
}

type ReconcilerConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Interval      time.Duration `koanf:"interval"`
	Window        time.Duration `koanf:"window"`
	Concurrency   int           `koanf:"concurrency"`
	RatePerMinute int           `koanf:"rate_per_minute"`
	IndexSync     bool          `koanf:"index_sync"`
	ExportDir     string        `koanf:"export_dir"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"basic_config.server_address": ":5000",
		"basic_config.database":       "sqlite3",
		"basic_config.log_level":      "info",
		"basic_config.log_format":     "json",
		"databases.sqlite3.dsn":       "rolechat.db",
		"redis.port":                  6379,
		"assistant.role_prefix":       true,
		"analysis.provider":           "openai",
		"analysis.model":              "gpt-4o-mini",
		"run.poll_interval":           "500ms",
		"run.budget":                  "60s",
		"reconciler.enabled":          true,
		"reconciler.interval":         "60s",
		"reconciler.window":           "60s",
		"reconciler.concurrency":      4,
		"reconciler.rate_per_minute":  30,
		"reconciler.index_sync":       false,
	}
}

// Load reads configuration from the provided path (defaults to config.toml) and
// applies ROLECHAT_ environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if _, err := os.Stat(absPath); err == nil {
		if err := k.Load(file.Provider(absPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", absPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", absPath, err)
	}
	// ROLECHAT_BASIC_CONFIG__SERVER_ADDRESS -> basic_config.server_address
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	if c.BasicConfig.Database == "" {
		return fmt.Errorf("basic_config.database must be configured")
	}
	if c.Run.PollInterval <= 0 {
		return fmt.Errorf("run.poll_interval must be positive")
	}
	if c.Run.Budget < c.Run.PollInterval {
		return fmt.Errorf("run.budget (%s) must be at least run.poll_interval (%s)", c.Run.Budget, c.Run.PollInterval)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive")
	}
	// a window shorter than the interval would leave gaps between cycles
	if c.Reconciler.Window < c.Reconciler.Interval {
		c.Reconciler.Window = c.Reconciler.Interval
	}
	if c.Reconciler.Concurrency <= 0 {
		c.Reconciler.Concurrency = 1
	}

	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases["sqlite3"] = db
	}
	return nil
}

// RoleAllowed reports whether role is accepted; an empty allow-list accepts any role.
func (c *Config) RoleAllowed(role string) bool {
	if len(c.BasicConfig.Roles) == 0 {
		return true
	}
	for _, r := range c.BasicConfig.Roles {
		if r == role {
			return true
		}
	}
	return false
}
