package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/package-url/packageurl-go"
)

// Latest is the reserved version meaning "unpinned".
const Latest = "latest"

// ArtifactExt is the extension of artifact files owned by the cache.
const ArtifactExt = ".whl"

// Metadata is descriptive information captured from the package index.
type Metadata struct {
	Description  string   `json:"description"`
	Author       string   `json:"author"`
	License      string   `json:"license"`
	Dependencies []string `json:"dependencies"`
	Keywords     []string `json:"keywords"`
	HomePage     string   `json:"home_page"`
}

// Package is a cached package record. (Name, Version) is the primary key.
type Package struct {
	Name        string
	Version     string
	Hash        string // sha256 of the artifact file, hex encoded
	DownloadURL string
	CachedAt    time.Time
	FilePath    string
	Metadata    Metadata
}

// Validate checks that the record can be stored.
func (p *Package) Validate() error {
	if err := checkComponent("name", p.Name); err != nil {
		return err
	}
	return checkComponent("version", p.Version)
}

// PURL returns the package URL identifying this record, e.g. pkg:pypi/requests@2.31.0.
func (p *Package) PURL() string {
	version := p.Version
	if version == Latest {
		version = ""
	}
	return packageurl.NewPackageURL(packageurl.TypePyPi, "", strings.ToLower(p.Name), version, nil, "").ToString()
}

// Key identifies a cache record.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string {
	return k.Name + "==" + k.Version
}

// Stats summarizes cache usage.
type Stats struct {
	// Count is the number of cached packages. Unpinned aliases of a pinned
	// record are not counted.
	Count int
	// TotalBytes is the size of every file in the cache directory, including
	// files no record points at.
	TotalBytes int64
}

// VerifyReport lists records purged by Verify.
type VerifyReport struct {
	Checked int
	Missing []Key
	Corrupt []Key
}

// OptimizeReport lists files removed by Optimize.
type OptimizeReport struct {
	Removed        []string
	ReclaimedBytes int64
}

var errInvalidComponent = errors.New("invalid cache key")

// checkComponent rejects values that cannot be used in an artifact file name.
func checkComponent(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", errInvalidComponent, field)
	}
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." || strings.Contains(v, "..") {
		return fmt.Errorf("%w: %s %q", errInvalidComponent, field, v)
	}
	return nil
}
