// Package environment creates isolated Python environments and installs
// packages into them. An environment is either a local virtualenv directory
// or a container image.
package environment

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/everydev1618/sa/container"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultVenvPath  = ".sa_env"
	DefaultPython    = "python3"
	DefaultBaseImage = "python:3.11-slim"
)

var ErrDockerUnavailable = container.ErrDockerUnavailable

// Kind distinguishes local from container environments.
type Kind int

const (
	KindLocal Kind = iota
	KindContainer
)

func (k Kind) String() string {
	if k == KindContainer {
		return "docker"
	}
	return "venv"
}

// Target names the environment a package is installed into.
type Target struct {
	Kind Kind
	// Path is the virtualenv root for local targets.
	Path string
	// Image is the environment image for container targets.
	Image string
	// BaseImage seeds Image when it does not exist yet.
	BaseImage string
}

// LocalTarget returns a virtualenv target rooted at path.
func LocalTarget(path string) Target {
	if path == "" {
		path = DefaultVenvPath
	}
	return Target{Kind: KindLocal, Path: path}
}

// ContainerTarget returns a container target. An empty base uses
// DefaultBaseImage.
func ContainerTarget(image, base string) Target {
	if base == "" {
		base = DefaultBaseImage
	}
	return Target{Kind: KindContainer, Image: image, BaseImage: base}
}

func (t Target) String() string {
	if t.Kind == KindContainer {
		return "docker:" + t.Image
	}
	return "venv:" + t.Path
}

// Spec is one package to install.
type Spec struct {
	Name    string
	Version string
	// IndexURL points the installer at a specific mirror. Empty keeps the
	// installer's own configuration.
	IndexURL string
	// Artifact is a local distribution file installed in place of resolving
	// the requirement. Dependencies still resolve through IndexURL.
	Artifact string
	// Filename is the artifact's upstream file name. pip only accepts wheels
	// and sdists under their canonical names.
	Filename string
}

// artifactName is the file name the artifact is installed under.
func (s Spec) artifactName() string {
	if name := filepath.Base(s.Filename); s.Filename != "" && name != "." && name != string(filepath.Separator) {
		return name
	}
	return filepath.Base(s.Artifact)
}

// Requirement renders the installer argument, name==version when pinned.
func (s Spec) Requirement() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "==" + s.Version
}

// InstallError reports a failed install with the package and environment.
type InstallError struct {
	Package string
	Env     string
	Output  string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s into %s: %v", e.Package, e.Env, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Containers is the container backend, satisfied by *container.Manager.
type Containers interface {
	IsAvailable() bool
	BuildImage(ctx context.Context, opts container.BuildOptions, out io.Writer) error
	Exec(ctx context.Context, image string, cmd []string, out io.Writer) (*container.ExecResult, error)
	ListImages(ctx context.Context) ([]string, error)
	ImageExists(ctx context.Context, name string) (bool, error)
	RemoveImage(ctx context.Context, name string) error
}

// Provider manages environments. Creation of the same environment is
// deduplicated across goroutines and installs into one environment run one
// at a time.
type Provider struct {
	runner Runner
	python string
	docker Containers
	token  string
	log    logrus.FieldLogger

	group singleflight.Group
	locks keyedMutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithRunner sets the subprocess runner.
func WithRunner(r Runner) Option {
	return func(p *Provider) {
		p.runner = r
	}
}

// WithPython sets the interpreter used to create virtualenvs.
func WithPython(bin string) Option {
	return func(p *Provider) {
		if bin != "" {
			p.python = bin
		}
	}
}

// WithContainers sets the container backend.
func WithContainers(c Containers) Option {
	return func(p *Provider) {
		p.docker = c
	}
}

// WithIndexToken authenticates local installs against https indexes with
// an API token, the way PyPI tokens are used.
func WithIndexToken(token string) Option {
	return func(p *Provider) {
		p.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		runner: ExecRunner{},
		python: DefaultPython,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Install makes sure target exists and installs spec into it.
func (p *Provider) Install(ctx context.Context, target Target, spec Spec, out io.Writer) error {
	switch target.Kind {
	case KindContainer:
		if err := p.EnsureContainer(ctx, target.Image, target.BaseImage, out); err != nil {
			return &InstallError{Package: spec.Name, Env: target.String(), Err: err}
		}
		return p.InstallContainer(ctx, target.Image, spec, out)
	default:
		if err := p.EnsureLocal(ctx, target.Path); err != nil {
			return &InstallError{Package: spec.Name, Env: target.String(), Err: err}
		}
		return p.InstallLocal(ctx, target.Path, spec)
	}
}

// do runs fn once per key across concurrent callers. fn is detached from
// the first caller's cancellation; every caller stops waiting when its own
// ctx is done.
func (p *Provider) do(ctx context.Context, key string, fn func(ctx context.Context) error) (shared bool, err error) {
	ch := p.group.DoChan(key, func() (interface{}, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case r := <-ch:
		return r.Shared, r.Err
	}
}

// indexURL adds the index token as credentials. Only https URLs without
// their own credentials receive it.
func (p *Provider) indexURL(raw string) string {
	if raw == "" || p.token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return raw
	}
	u.User = url.UserPassword("__token__", p.token)
	return u.String()
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
