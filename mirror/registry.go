// Package mirror manages the named package index mirrors packages are fetched
// from, and the HTTP client used to talk to them.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Built-in mirror seeded when no usable configuration exists.
const (
	DefaultName = "pypi"
	DefaultURL  = "https://pypi.org/simple/"
)

var (
	ErrMirrorNotFound  = errors.New("mirror not found")
	ErrInvalidURL      = errors.New("invalid mirror url")
	ErrDuplicateMirror = errors.New("mirror already exists")
	ErrLastMirror      = errors.New("cannot remove the last mirror")
)

// Mirror is a named download source.
type Mirror struct {
	Name       string     `yaml:"name"`
	URL        string     `yaml:"url"`
	IsDefault  bool       `yaml:"is_default"`
	IsActive   bool       `yaml:"is_active"`
	LastTested *time.Time `yaml:"last_tested,omitempty"`
}

// Prober checks whether a URL is reachable.
type Prober interface {
	Probe(ctx context.Context, rawURL string) bool
}

// Registry is the persisted, ordered list of mirrors.
type Registry struct {
	path   string
	prober Prober
	log    logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	mirrors []Mirror
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProber sets the reachability prober used by Test.
func WithProber(p Prober) RegistryOption {
	return func(r *Registry) {
		r.prober = p
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l logrus.FieldLogger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

func builtinMirrors() []Mirror {
	return []Mirror{{
		Name:      DefaultName,
		URL:       DefaultURL,
		IsDefault: true,
		IsActive:  true,
	}}
}

// Open loads the registry stored at path. A missing, unreadable or corrupt
// file yields the built-in default mirror instead of an error.
func Open(path string, opts ...RegistryOption) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror config directory: %w", err)
	}

	r := &Registry{
		path: path,
		log:  logrus.StandardLogger(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prober == nil {
		r.prober = NewClient()
	}

	mirrors, err := r.load()
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"action": "load_mirrors",
			"path":   path,
		}).WithError(err).Warn("mirror config unusable, using built-in default")
	}
	mirrors, dropped := dedupe(mirrors)
	if len(dropped) > 0 {
		r.log.WithFields(logrus.Fields{
			"action":  "load_mirrors",
			"path":    path,
			"dropped": dropped,
		}).Warn("duplicate mirror names in config, keeping the first of each")
	}
	if len(mirrors) == 0 {
		mirrors = builtinMirrors()
	}
	r.mirrors = mirrors
	return r, nil
}

// dedupe keeps the first mirror of each name.
func dedupe(mirrors []Mirror) (kept []Mirror, dropped []string) {
	seen := make(map[string]bool, len(mirrors))
	for _, m := range mirrors {
		if seen[m.Name] {
			dropped = append(dropped, m.Name)
			continue
		}
		seen[m.Name] = true
		kept = append(kept, m)
	}
	return kept, dropped
}

func (r *Registry) load() ([]Mirror, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mirrors []Mirror
	if err := yaml.Unmarshal(data, &mirrors); err != nil {
		return nil, err
	}
	return mirrors, nil
}

// saveLocked writes the list with a temp file + rename. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	data, err := yaml.Marshal(r.mirrors)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".mirrors-*")
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
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Path returns the configuration file location.
func (r *Registry) Path() string {
	return r.path
}

// Add appends a mirror. Names are unique. When setDefault is true every
// other mirror loses its default flag first.
func (r *Registry) Add(name, rawURL string, setDefault bool) error {
	if name == "" {
		return errors.New("mirror name required")
	}
	if err := validateURL(rawURL); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.mirrors {
		if m.Name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateMirror, name)
		}
	}
	if setDefault {
		for i := range r.mirrors {
			r.mirrors[i].IsDefault = false
		}
	}
	r.mirrors = append(r.mirrors, Mirror{
		Name:      name,
		URL:       rawURL,
		IsDefault: setDefault,
		IsActive:  true,
	})
	if err := r.saveLocked(); err != nil {
		return fmt.Errorf("save mirror %s: %w", name, err)
	}
	return nil
}

// Remove deletes the mirror named name. The registry always keeps at least
// one mirror.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.mirrors[:0:0]
	for _, m := range r.mirrors {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(r.mirrors) {
		return fmt.Errorf("%w: %s", ErrMirrorNotFound, name)
	}
	if len(kept) == 0 {
		return fmt.Errorf("%w: %s", ErrLastMirror, name)
	}
	r.mirrors = kept
	if err := r.saveLocked(); err != nil {
		return fmt.Errorf("save after removing mirror %s: %w", name, err)
	}
	return nil
}

// SetActive enables or disables a mirror without removing it.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for i := range r.mirrors {
		if r.mirrors[i].Name == name {
			r.mirrors[i].IsActive = active
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrMirrorNotFound, name)
	}
	return r.saveLocked()
}

// List returns a copy of all mirrors in configuration order.
func (r *Registry) List() []Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Mirror, len(r.mirrors))
	copy(out, r.mirrors)
	return out
}

// Get returns the first mirror named name.
func (r *Registry) Get(name string) (Mirror, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mirrors {
		if m.Name == name {
			return m, true
		}
	}
	return Mirror{}, false
}

// Default returns the first mirror that is both default and active.
func (r *Registry) Default() (Mirror, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mirrors {
		if m.IsDefault && m.IsActive {
			return m, true
		}
	}
	return Mirror{}, false
}

// Test probes a mirror. Any network failure is reported as unreachable;
// the error is only for an unknown mirror name.
func (r *Registry) Test(ctx context.Context, name string) (bool, error) {
	m, ok := r.Get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMirrorNotFound, name)
	}

	reachable := r.prober.Probe(ctx, m.URL)
	r.recordTested(name)

	r.log.WithFields(logrus.Fields{
		"action":    "test_mirror",
		"mirror":    name,
		"url":       m.URL,
		"reachable": reachable,
	}).Debug("mirror probed")
	return reachable, nil
}

// TestAll probes every configured mirror.
func (r *Registry) TestAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for _, m := range r.List() {
		ok, err := r.Test(ctx, m.Name)
		if err != nil {
			continue
		}
		results[m.Name] = ok
	}
	return results
}

func (r *Registry) recordTested(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	for i := range r.mirrors {
		if r.mirrors[i].Name == name {
			r.mirrors[i].LastTested = &now
		}
	}
	if err := r.saveLocked(); err != nil {
		r.log.WithFields(logrus.Fields{
			"action": "test_mirror",
			"mirror": name,
		}).WithError(err).Warn("failed to persist mirror test time")
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}
	return nil
}
