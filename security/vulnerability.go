package security

import "time"

// Vulnerability is an advisory against a range of versions of one package.
type Vulnerability struct {
	ID           string    `json:"id"`
	Package      string    `json:"package"`
	VersionRange string    `json:"version_range"`
	Severity     Severity  `json:"severity"`
	Description  string    `json:"description"`
	FixedVersion string    `json:"fixed_version,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}
