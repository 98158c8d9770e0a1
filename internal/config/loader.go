// Package config loads application settings from defaults, an optional
// config file and SA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/everydev1618/sa"
	"github.com/everydev1618/sa/environment"
	"github.com/everydev1618/sa/security"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads settings. An empty path looks for $SA_CONFIG or
// <home>/config.yaml and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = sa.DefaultConfigPath()
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("pypi_token", "SA_PYPI_TOKEN", "PYPI_TOKEN"); err != nil {
		return nil, err
	}

	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil || explicit {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		severityDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", sa.Home())
	v.SetDefault("cache_dir", "")
	v.SetDefault("mirrors_file", "")
	v.SetDefault("vuln_db", "")
	v.SetDefault("vuln_feed_url", security.DefaultFeedURL)
	v.SetDefault("block_severity", "critical")
	v.SetDefault("version_compare", "lexical")
	v.SetDefault("workers", 4)
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("probe_timeout", "5s")
	v.SetDefault("max_retries", 2)
	v.SetDefault("requests_per_second", 0)
	v.SetDefault("venv_path", environment.DefaultVenvPath)
	v.SetDefault("python", environment.DefaultPython)
	v.SetDefault("base_image", environment.DefaultBaseImage)
	v.SetDefault("requirements_file", "requirements.txt")
	v.SetDefault("pypi_token", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_textfile", "")
}

// applyDefaults fills paths that derive from other settings.
func (c *Config) applyDefaults() error {
	home, err := filepath.Abs(c.Home)
	if err != nil {
		return fmt.Errorf("resolve home %s: %w", c.Home, err)
	}
	c.Home = home
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.Home, "cache")
	}
	if c.MirrorsFile == "" {
		c.MirrorsFile = filepath.Join(c.Home, "mirrors.yaml")
	}
	if c.VulnDB == "" {
		c.VulnDB = filepath.Join(c.CacheDir, "vulnerabilities.json")
	}
	return nil
}

// Validate checks settings that cannot be fixed up silently.
func (c *Config) Validate() error {
	if _, err := security.ComparatorByName(c.VersionCompare); err != nil {
		return newFieldError("version_compare", "must be lexical or semver")
	}
	if c.Workers < 1 {
		return newFieldError("workers", "must be at least 1")
	}
	if c.FetchTimeout <= 0 {
		return newFieldError("fetch_timeout", "must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return newFieldError("probe_timeout", "must be positive")
	}
	if c.MaxRetries < 0 {
		return newFieldError("max_retries", "must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return newFieldError("requests_per_second", "must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return newFieldError("log_format", "must be text or json")
	}
	return nil
}

func severityDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(security.Severity(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return security.ParseSeverity(v)
		case security.Severity:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported severity type: %T", v)
		}
	}
}

// durationDecodeHook accepts Go duration strings and plain numbers of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration: %s", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}
