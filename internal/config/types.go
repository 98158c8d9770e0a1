package config

import (
	"time"

	"github.com/everydev1618/sa/security"
)

// Config holds the application settings.
type Config struct {
	Home        string `mapstructure:"home"`
	CacheDir    string `mapstructure:"cache_dir"`
	MirrorsFile string `mapstructure:"mirrors_file"`

	VulnDB         string            `mapstructure:"vuln_db"`
	VulnFeedURL    string            `mapstructure:"vuln_feed_url"`
	BlockSeverity  security.Severity `mapstructure:"block_severity"`
	VersionCompare string            `mapstructure:"version_compare"`

	Workers           int           `mapstructure:"workers"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`

	VenvPath         string `mapstructure:"venv_path"`
	Python           string `mapstructure:"python"`
	BaseImage        string `mapstructure:"base_image"`
	RequirementsFile string `mapstructure:"requirements_file"`
	// PypiToken authenticates local installs against https indexes. It is
	// read from PYPI_TOKEN as well as SA_PYPI_TOKEN.
	PypiToken string `mapstructure:"pypi_token"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSize    int    `mapstructure:"log_max_size"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress"`
	LogFormat     string `mapstructure:"log_format"`

	MetricsTextfile string `mapstructure:"metrics_textfile"`
}

// Policy returns the security policy the settings describe.
func (c *Config) Policy() security.Policy {
	return security.Policy{Threshold: c.BlockSeverity}
}

// Comparator returns the version ordering for range matching.
func (c *Config) Comparator() security.Comparator {
	cmp, err := security.ComparatorByName(c.VersionCompare)
	if err != nil {
		return security.LexicalCompare
	}
	return cmp
}
