// Package security holds the local vulnerability index consulted before a
// package is installed.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/everydev1618/sa"
	"github.com/sirupsen/logrus"
)

// Index is an in-memory vulnerability database backed by a JSON file.
// Scans take a read lock; Refresh swaps the whole list under the write lock,
// so a scan sees either the old list or the new one.
type Index struct {
	path    string
	source  Source
	compare Comparator
	log     logrus.FieldLogger
	now     func() time.Time

	refreshMu sync.Mutex

	mu        sync.RWMutex
	vulns     []Vulnerability
	byPackage map[string][]Vulnerability
	updatedAt time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithSource sets where Refresh fetches advisories from.
func WithSource(src Source) Option {
	return func(idx *Index) {
		idx.source = src
	}
}

// WithComparator sets the version ordering used for range matching.
func WithComparator(cmp Comparator) Option {
	return func(idx *Index) {
		if cmp != nil {
			idx.compare = cmp
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(idx *Index) {
		if l != nil {
			idx.log = l
		}
	}
}

// Open loads the index stored at path. A missing file yields an empty
// index; so does a corrupt one, with a warning.
func Open(path string, opts ...Option) (*Index, error) {
	idx := &Index{
		path:    path,
		compare: LexicalCompare,
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.source == nil {
		idx.source = NewHTTPSource(DefaultFeedURL, nil)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		idx.swap(nil, time.Time{})
		return idx, nil
	case err != nil:
		return nil, fmt.Errorf("read vulnerability database: %w", err)
	}

	var vulns []Vulnerability
	if err := json.Unmarshal(data, &vulns); err != nil {
		idx.log.WithFields(logrus.Fields{
			"action": "load_vulnerabilities",
			"path":   path,
		}).WithError(err).Warn("vulnerability database corrupt, starting empty")
		idx.swap(nil, time.Time{})
		return idx, nil
	}

	var updated time.Time
	if info, err := os.Stat(path); err == nil {
		updated = info.ModTime()
	}
	idx.swap(vulns, updated)
	return idx, nil
}

func (idx *Index) swap(vulns []Vulnerability, updated time.Time) {
	byPackage := make(map[string][]Vulnerability)
	for _, v := range vulns {
		key := sa.NormalizeName(v.Package)
		byPackage[key] = append(byPackage[key], v)
	}

	idx.mu.Lock()
	idx.vulns = vulns
	idx.byPackage = byPackage
	idx.updatedAt = updated
	idx.mu.Unlock()
}

// Refresh fetches and parses the feed, persists it, and then replaces the
// in-memory list. If any step fails the index and its file are unchanged.
func (idx *Index) Refresh(ctx context.Context) error {
	idx.refreshMu.Lock()
	defer idx.refreshMu.Unlock()

	log := idx.log.WithField("action", "refresh_vulnerabilities")

	body, err := idx.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh vulnerability database: %w", err)
	}
	defer body.Close()

	now := idx.now().UTC()
	vulns, err := ParseFeed(body, now)
	if err != nil {
		return fmt.Errorf("refresh vulnerability database: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := idx.persist(vulns); err != nil {
		return fmt.Errorf("save vulnerability database: %w", err)
	}

	idx.swap(vulns, now)
	log.WithField("count", len(vulns)).Info("vulnerability database updated")
	return nil
}

func (idx *Index) persist(vulns []Vulnerability) error {
	if vulns == nil {
		vulns = []Vulnerability{}
	}
	data, err := json.MarshalIndent(vulns, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vulnerabilities-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Scan returns every vulnerability recorded for pkg whose range contains
// version. Package names are compared in normalized form.
func (idx *Index) Scan(pkg, version string) []Vulnerability {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var found []Vulnerability
	for _, v := range idx.byPackage[sa.NormalizeName(pkg)] {
		if Matches(version, v.VersionRange, idx.compare) {
			found = append(found, v)
		}
	}
	return found
}

// Len returns the number of advisories.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vulns)
}

// All returns a copy of every advisory.
func (idx *Index) All() []Vulnerability {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Vulnerability, len(idx.vulns))
	copy(out, idx.vulns)
	return out
}

// UpdatedAt reports when the index was last refreshed. Zero means never.
func (idx *Index) UpdatedAt() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.updatedAt
}

// Path returns the database file location.
func (idx *Index) Path() string {
	return idx.path
}
