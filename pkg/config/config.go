package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"

	"github.com/ritzau/lineage-index/pkg/model"
)

// FileName is the optional config file read from the working directory
const FileName = "lineage-index.toml"

// EnvPrefix prefixes environment overrides, e.g. LINEAGE_INDEX_PORT=9090
const EnvPrefix = "LINEAGE_INDEX_"

// Config holds all configuration for the application
type Config struct {
	Workspace   string        `koanf:"workspace"`
	WebMode     bool          `koanf:"web"`
	Host        string        `koanf:"host"` // Interface the web server binds to
	Port        int           `koanf:"port"`
	Watch       bool          `koanf:"watch"`
	Open        bool          `koanf:"open"`      // Open files requested by clients with the system opener
	File        string        `koanf:"file"`      // File to resolve in one-shot mode
	Direction   string        `koanf:"direction"` // up, down or both
	Table       string        `koanf:"table"`     // Node key to query in one-shot mode
	Collation   string        `koanf:"collation"` // BCP 47 tag used to order labels
	Kind        string        `koanf:"kind"`      // Node kind files resolve to
	Verbosity   string        `koanf:"verbosity"`
	VerboseCnt  int           `koanf:"verbose"`
	LogJSON     bool          `koanf:"log-json"`
	QuietPeriod time.Duration `koanf:"quiet-period"`
	MaxWait     time.Duration `koanf:"max-wait"`
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return load(f, FileName)
}

func load(f *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]any{
		"workspace":    ".",
		"web":          false,
		"host":         "127.0.0.1",
		"port":         8080,
		"watch":        false,
		"open":         true,
		"file":         "",
		"direction":    "both",
		"table":        "",
		"collation":    "en",
		"kind":         "model",
		"verbosity":    "",
		"verbose":      0,
		"log-json":     false,
		"quiet-period": "500ms",
		"max-wait":     "5s",
	}
	if err := k.Load(mapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file (optional)
	if path != "" {
		// The file might not exist
		_ = k.Load(file.Provider(path), toml.Parser())
	}

	// 3. Environment variables, LINEAGE_INDEX_QUIET_PERIOD -> quiet-period
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "_", "-")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be expressed by their types
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if _, err := c.Directions(); err != nil {
		return err
	}
	if _, err := c.CollationTag(); err != nil {
		return err
	}
	if c.QuietPeriod <= 0 {
		return fmt.Errorf("quiet-period must be positive, got %s", c.QuietPeriod)
	}
	if c.MaxWait < c.QuietPeriod {
		return fmt.Errorf("max-wait (%s) must not be shorter than quiet-period (%s)", c.MaxWait, c.QuietPeriod)
	}
	return nil
}

// Directions returns the query directions selected by Direction
func (c *Config) Directions() ([]model.Direction, error) {
	if c.Direction == "" || strings.EqualFold(c.Direction, "both") {
		return []model.Direction{model.Upstream, model.Downstream}, nil
	}
	d, err := model.ParseDirection(c.Direction)
	if err != nil {
		return nil, err
	}
	return []model.Direction{d}, nil
}

// CollationTag parses Collation as a language tag
func (c *Config) CollationTag() (language.Tag, error) {
	tag, err := language.Parse(c.Collation)
	if err != nil {
		return language.Und, fmt.Errorf("invalid collation %q: %w", c.Collation, err)
	}
	return tag, nil
}

// mapProvider serves a flat map as a koanf provider
type mapProvider map[string]any

func (p mapProvider) Read() (map[string]any, error) {
	return p, nil
}

func (p mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
