package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DATASTACK_"

// Config is the configuration of a persistence stack host
type Config struct {
	SchemaName   string      `toml:"schema_name"`
	AppName      string      `toml:"app_name"`
	BundleDir    string      `toml:"bundle_dir"`
	DocumentsDir string      `toml:"documents_dir"`
	Store        StoreConfig `toml:"store"`
	Log          LogConfig   `toml:"log"`
}

// StoreConfig controls how the store is opened and how contexts save
type StoreConfig struct {
	AutoMigrate  bool   `toml:"auto_migrate"`
	InferMapping bool   `toml:"infer_mapping"`
	Wiring       string `toml:"wiring"`
	RowCacheSize int    `toml:"row_cache_size"`
	MergePolicy  string `toml:"merge_policy"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		AppName: "datastack",
		Store: StoreConfig{
			AutoMigrate:  true,
			InferMapping: true,
			Wiring:       "sibling",
			RowCacheSize: 1024,
			MergePolicy:  "error",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML file over the defaults, expanding ${VAR} references,
// then applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if _, err := toml.Decode(os.ExpandEnv(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DATASTACK_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("SCHEMA", &c.SchemaName)
	str("APP_NAME", &c.AppName)
	str("BUNDLE_DIR", &c.BundleDir)
	str("DOCUMENTS_DIR", &c.DocumentsDir)
	str("WIRING", &c.Store.Wiring)
	str("MERGE_POLICY", &c.Store.MergePolicy)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if err := boolean("AUTO_MIGRATE", &c.Store.AutoMigrate); err != nil {
		return err
	}
	if err := boolean("INFER_MAPPING", &c.Store.InferMapping); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "ROW_CACHE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sROW_CACHE_SIZE: %w", EnvPrefix, err)
		}
		c.Store.RowCacheSize = n
	}
	return nil
}

// Validate checks that enumerated fields hold known values
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Wiring {
	case "sibling", "parent", "none":
	default:
		errs = append(errs, fmt.Errorf("store.wiring must be sibling, parent or none, got %q", c.Store.Wiring))
	}
	switch c.Store.MergePolicy {
	case "error", "store_trump", "object_trump":
	default:
		errs = append(errs, fmt.Errorf("store.merge_policy must be error, store_trump or object_trump, got %q", c.Store.MergePolicy))
	}
	if c.Store.RowCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("store.row_cache_size must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
