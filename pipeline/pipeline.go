// Package pipeline acquires packages: it serves them from the cache or
// fetches them from a mirror, gates them on the vulnerability index and
// installs them into an environment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/everydev1618/sa"
	"github.com/everydev1618/sa/cache"
	"github.com/everydev1618/sa/environment"
	"github.com/everydev1618/sa/mirror"
	"github.com/everydev1618/sa/security"
	"github.com/sirupsen/logrus"
)

// CacheStore is the cache the pipeline reads and writes.
type CacheStore interface {
	Lookup(ctx context.Context, name, version string) (*cache.Package, error)
	Put(ctx context.Context, p *cache.Package) error
	WriteArtifact(ctx context.Context, name, version string, r io.Reader) (*cache.Artifact, error)
}

// MirrorSource chooses mirrors.
type MirrorSource interface {
	Get(name string) (mirror.Mirror, bool)
	Default() (mirror.Mirror, bool)
}

// Fetcher retrieves metadata and artifacts from a mirror.
type Fetcher interface {
	FetchMetadata(ctx context.Context, m mirror.Mirror, name, version string) (*mirror.Release, error)
	Download(ctx context.Context, m mirror.Mirror, pkg, fileURL string) (io.ReadCloser, error)
}

// Scanner looks up known vulnerabilities.
type Scanner interface {
	Scan(pkg, version string) []security.Vulnerability
}

// Installer installs a package into an environment.
type Installer interface {
	Install(ctx context.Context, target environment.Target, spec environment.Spec, out io.Writer) error
}

// Request asks for one package.
type Request struct {
	Name string
	// Version pins a release. Empty means the latest one.
	Version string
	// Mirror names the mirror to use instead of the default.
	Mirror       string
	SkipSecurity bool
	// RefreshCache ignores an existing cache record.
	RefreshCache bool
	Target       environment.Target
}

// Result is the outcome of one Request.
type Result struct {
	Request  Request
	Outcome  Outcome
	Mirror   string
	Version  string
	Package  *cache.Package
	Findings []security.Vulnerability
	Err      error
	Duration time.Duration
}

// Pipeline runs acquisitions. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	cache     CacheStore
	mirrors   MirrorSource
	scanner   Scanner
	fetcher   Fetcher
	installer Installer

	policy       security.Policy
	workers      int
	log          logrus.FieldLogger
	metrics      *Metrics
	out          io.Writer
	requirements string
	reqMu        sync.Mutex
	now          func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the security policy.
func WithPolicy(p security.Policy) Option {
	return func(pl *Pipeline) {
		pl.policy = p
	}
}

// WithWorkers bounds how many requests of a batch run at once.
func WithWorkers(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.log = l
		}
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// WithOutput receives installer and build output.
func WithOutput(w io.Writer) Option {
	return func(pl *Pipeline) {
		if w != nil {
			pl.out = w
		}
	}
}

// WithRequirementsFile pins every installed package in a requirements file.
func WithRequirementsFile(path string) Option {
	return func(pl *Pipeline) {
		pl.requirements = path
	}
}

// New creates a Pipeline from its collaborators.
func New(c CacheStore, mirrors MirrorSource, scanner Scanner, fetcher Fetcher, installer Installer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:     c,
		mirrors:   mirrors,
		scanner:   scanner,
		fetcher:   fetcher,
		installer: installer,
		policy:    security.DefaultPolicy(),
		workers:   4,
		log:       logrus.StandardLogger(),
		out:       io.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var validName = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

func checkRequest(req Request) error {
	if !validName.MatchString(req.Name) {
		return fmt.Errorf("invalid package name %q", req.Name)
	}
	if req.Version != "" && (strings.ContainsAny(req.Version, `/\ `) || strings.Contains(req.Version, "..")) {
		return fmt.Errorf("invalid version %q for %s", req.Version, req.Name)
	}
	return nil
}

// Acquire runs one request to a terminal outcome.
func (p *Pipeline) Acquire(ctx context.Context, req Request) Result {
	start := p.now()
	res := p.acquire(ctx, req)
	res.Request = req
	res.Duration = p.now().Sub(start)
	p.metrics.observe(res)

	entry := p.log.WithFields(logrus.Fields{
		"action":   "acquire",
		"package":  req.Name,
		"version":  res.Version,
		"mirror":   res.Mirror,
		"env":      req.Target.String(),
		"outcome":  res.Outcome.String(),
		"duration": res.Duration.String(),
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("acquisition failed")
	} else {
		entry.Info("acquisition finished")
	}
	return res
}

func (p *Pipeline) acquire(ctx context.Context, req Request) Result {
	if err := checkRequest(req); err != nil {
		return Result{Outcome: Invalid, Err: err}
	}
	name := sa.NormalizeName(req.Name)
	keyVersion := req.Version
	if keyVersion == "" {
		keyVersion = cache.Latest
	}

	if !req.RefreshCache {
		pkg, err := p.cache.Lookup(ctx, name, keyVersion)
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"action":  "cache_lookup",
				"package": name,
			}).WithError(err).Warn("cache lookup failed, fetching")
		}
		if pkg != nil {
			return p.installCached(ctx, req, pkg)
		}
	}

	m, err := p.selectMirror(req.Mirror)
	if err != nil {
		return Result{Outcome: NoMirrorAvailable, Err: err}
	}
	res := Result{Mirror: m.Name}

	rel, err := p.fetcher.FetchMetadata(ctx, m, name, req.Version)
	if err != nil {
		res.Outcome, res.Err = FetchFailed, err
		return res
	}
	res.Version = rel.Version

	if !req.SkipSecurity {
		res.Findings = p.scanner.Scan(name, rel.Version)
		if blocking := p.policy.Blocks(res.Findings); len(blocking) > 0 {
			res.Outcome = BlockedBySecurity
			res.Err = &BlockedError{Package: name, Version: rel.Version, Findings: blocking}
			return res
		}
	}

	artifact, file, err := p.download(ctx, m, name, rel)
	if err != nil {
		res.Outcome, res.Err = FetchFailed, err
		return res
	}

	spec := environment.Spec{
		Name:     name,
		Version:  rel.Version,
		IndexURL: m.URL,
		Artifact: artifact.Path,
		Filename: distFilename(file.Filename, file.URL, name, rel.Version),
	}
	if err := p.installer.Install(ctx, req.Target, spec, p.out); err != nil {
		os.Remove(artifact.Path)
		res.Outcome, res.Err = InstallFailed, err
		return res
	}

	pkg := &cache.Package{
		Name:        name,
		Version:     rel.Version,
		Hash:        artifact.SHA256,
		DownloadURL: file.URL,
		CachedAt:    p.now().UTC(),
		FilePath:    artifact.Path,
		Metadata: cache.Metadata{
			Description:  rel.Summary,
			Author:       rel.Author,
			License:      rel.License,
			Dependencies: rel.Dependencies(),
			Keywords:     rel.Keywords,
			HomePage:     rel.HomePage,
		},
	}
	p.store(ctx, pkg, keyVersion)
	p.record(name, rel.Version)

	res.Outcome = Installed
	res.Package = pkg
	return res
}

// installCached installs a cached artifact into the request's target. The
// mirror, when one is available, only serves dependencies. A failed install
// keeps the artifact since other environments may still use it.
func (p *Pipeline) installCached(ctx context.Context, req Request, pkg *cache.Package) Result {
	res := Result{Version: pkg.Version, Package: pkg}
	spec := environment.Spec{
		Name:     pkg.Name,
		Version:  pkg.Version,
		Artifact: pkg.FilePath,
		Filename: distFilename("", pkg.DownloadURL, pkg.Name, pkg.Version),
	}
	if m, err := p.selectMirror(req.Mirror); err == nil {
		spec.IndexURL = m.URL
	}
	if err := p.installer.Install(ctx, req.Target, spec, p.out); err != nil {
		res.Outcome, res.Err = InstallFailed, err
		return res
	}
	p.record(pkg.Name, pkg.Version)
	res.Outcome = ServedFromCache
	return res
}

// distFilename picks the distribution's file name: the index's own name,
// else the last URL segment, else a wheel name built from the key.
func distFilename(filename, rawURL, name, version string) string {
	if filename != "" {
		return filename
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return name + "-" + version + cache.ArtifactExt
}

func (p *Pipeline) selectMirror(requested string) (mirror.Mirror, error) {
	if requested != "" {
		m, ok := p.mirrors.Get(requested)
		if !ok {
			return mirror.Mirror{}, fmt.Errorf("mirror %s: %w", requested, mirror.ErrMirrorNotFound)
		}
		if !m.IsActive {
			return mirror.Mirror{}, fmt.Errorf("mirror %s is not active", requested)
		}
		return m, nil
	}
	m, ok := p.mirrors.Default()
	if !ok {
		return mirror.Mirror{}, errors.New("no default active mirror configured")
	}
	return m, nil
}

// download writes the release artifact into the cache directory and checks
// it against the mirror's digest.
func (p *Pipeline) download(ctx context.Context, m mirror.Mirror, name string, rel *mirror.Release) (*cache.Artifact, mirror.File, error) {
	file, ok := rel.Artifact()
	if !ok {
		return nil, file, &mirror.FetchError{Mirror: m.Name, Package: name, Err: fmt.Errorf("release %s has no downloadable files", rel.Version)}
	}

	body, err := p.fetcher.Download(ctx, m, name, file.URL)
	if err != nil {
		return nil, file, err
	}
	defer body.Close()

	artifact, err := p.cache.WriteArtifact(ctx, name, rel.Version, body)
	if err != nil {
		return nil, file, &mirror.FetchError{Mirror: m.Name, Package: name, Err: err}
	}
	if file.SHA256 != "" && !strings.EqualFold(file.SHA256, artifact.SHA256) {
		os.Remove(artifact.Path)
		return nil, file, &mirror.FetchError{
			Mirror:  m.Name,
			Package: name,
			Err:     fmt.Errorf("sha256 mismatch for %s: got %s, want %s", file.Filename, artifact.SHA256, file.SHA256),
		}
	}
	return artifact, file, nil
}

// store writes the record under the resolved version and, for unpinned
// requests, under the request key as well. A failed write is logged; the
// package is installed either way.
func (p *Pipeline) store(ctx context.Context, pkg *cache.Package, keyVersion string) {
	records := []*cache.Package{pkg}
	if keyVersion != pkg.Version {
		alias := *pkg
		alias.Version = keyVersion
		records = append(records, &alias)
	}
	for _, rec := range records {
		if err := p.cache.Put(ctx, rec); err != nil {
			p.log.WithFields(logrus.Fields{
				"action":  "cache_store",
				"package": rec.Name,
				"version": rec.Version,
			}).WithError(err).Warn("failed to cache package record")
		}
	}
}

func (p *Pipeline) record(name, version string) {
	if p.requirements == "" {
		return
	}
	p.reqMu.Lock()
	defer p.reqMu.Unlock()
	if err := RecordRequirement(p.requirements, name, version); err != nil {
		p.log.WithFields(logrus.Fields{
			"action": "record_requirement",
			"path":   p.requirements,
		}).WithError(err).Warn("failed to update requirements file")
	}
}

// BlockedError lists the findings that stopped an installation.
type BlockedError struct {
	Package  string
	Version  string
	Findings []security.Vulnerability
}

func (e *BlockedError) Error() string {
	ids := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		ids = append(ids, f.ID)
	}
	return fmt.Sprintf("%s %s blocked by %d vulnerabilities (%s)", e.Package, e.Version, len(e.Findings), strings.Join(ids, ", "))
}
