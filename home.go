package sa

import (
	"os"
	"path/filepath"
)

// Home returns the sa home directory.
// It defaults to ~/.sa but can be overridden with the SA_HOME environment variable.
func Home() string {
	if v := os.Getenv("SA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sa"
	}
	return filepath.Join(home, ".sa")
}

// CacheDir returns the package cache directory (~/.sa/cache).
func CacheDir() string {
	return filepath.Join(Home(), "cache")
}

// DefaultConfigPath returns the application config file path.
// SA_CONFIG overrides the default of ~/.sa/config.yaml.
func DefaultConfigPath() string {
	if v := os.Getenv("SA_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(Home(), "config.yaml")
}

// MirrorsPath returns the default mirror registry file (~/.sa/mirrors.yaml).
func MirrorsPath() string {
	return filepath.Join(Home(), "mirrors.yaml")
}

// VulnerabilityDBPath returns the default vulnerability index file.
func VulnerabilityDBPath() string {
	return filepath.Join(CacheDir(), "vulnerabilities.json")
}

// EnsureHome creates dirs if they don't exist. Without arguments it
// creates the default home and cache directories.
func EnsureHome(dirs ...string) error {
	if len(dirs) == 0 {
		dirs = []string{Home(), CacheDir()}
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
