package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/everydev1618/sa"
	"github.com/everydev1618/sa/cache"
	"github.com/everydev1618/sa/container"
	"github.com/everydev1618/sa/environment"
	"github.com/everydev1618/sa/internal/config"
	"github.com/everydev1618/sa/internal/logging"
	"github.com/everydev1618/sa/mirror"
	"github.com/everydev1618/sa/pipeline"
	"github.com/everydev1618/sa/security"
)

// commandRunner runs pip and python for local environments.
var commandRunner environment.Runner = environment.ExecRunner{}

// app holds the handles a command needs. Each is opened at most once per
// invocation and closed by close.
type app struct {
	cfg        *config.Config
	configPath string
	log        *logrus.Logger
	registry   *prometheus.Registry

	store   *cache.Store
	mirrors *mirror.Registry
	index   *security.Index
	client  *mirror.Client
	docker  *container.Manager
	env     *environment.Provider
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.InitLogger(cfg)
	if err != nil {
		return nil, err
	}
	if err := sa.EnsureHome(cfg.Home, cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("create home directory: %w", err)
	}
	if configPath == "" {
		configPath = "default"
	}
	log.WithFields(logging.BaseFields("startup", configPath)).Debug("configuration loaded")
	return &app{
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		registry:   prometheus.NewRegistry(),
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("close cache")
		}
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	if a.cfg.MetricsTextfile != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.MetricsTextfile), 0o755); err == nil {
			err = prometheus.WriteToTextfile(a.cfg.MetricsTextfile, a.registry)
			if err != nil {
				a.log.WithError(err).WithField("action", "metrics_export").Warn("write metrics textfile")
			}
		}
	}
}

func (a *app) openCache() (*cache.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := cache.Open(a.cfg.CacheDir, cache.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.store = s
	return s, nil
}

func (a *app) mirrorClient() *mirror.Client {
	if a.client == nil {
		a.client = mirror.NewClient(
			mirror.WithTimeout(a.cfg.FetchTimeout),
			mirror.WithProbeTimeout(a.cfg.ProbeTimeout),
			mirror.WithMaxRetries(a.cfg.MaxRetries),
			mirror.WithRateLimit(a.cfg.RequestsPerSecond),
			mirror.WithUserAgent("sa/"+version),
		)
	}
	return a.client
}

func (a *app) openMirrors() (*mirror.Registry, error) {
	if a.mirrors != nil {
		return a.mirrors, nil
	}
	r, err := mirror.Open(a.cfg.MirrorsFile,
		mirror.WithProber(a.mirrorClient()),
		mirror.WithRegistryLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("open mirrors: %w", err)
	}
	a.mirrors = r
	return r, nil
}

func (a *app) openIndex() (*security.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	idx, err := security.Open(a.cfg.VulnDB,
		security.WithSource(security.NewHTTPSource(a.cfg.VulnFeedURL, nil)),
		security.WithComparator(a.cfg.Comparator()),
		security.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("open vulnerability database: %w", err)
	}
	a.index = idx
	return idx, nil
}

// containers connects to Docker. Commands that never touch containers do
// not call it.
func (a *app) containers() *container.Manager {
	if a.docker == nil {
		a.docker = container.NewManager(container.WithLogger(a.log))
	}
	return a.docker
}

// provider returns the environment provider, created on first use. Docker
// support is decided by the first caller.
func (a *app) provider(withDocker bool) *environment.Provider {
	if a.env != nil {
		return a.env
	}
	opts := []environment.Option{
		environment.WithRunner(commandRunner),
		environment.WithPython(a.cfg.Python),
		environment.WithIndexToken(a.cfg.PypiToken),
		environment.WithLogger(a.log),
	}
	if withDocker {
		opts = append(opts, environment.WithContainers(a.containers()))
	}
	a.env = environment.New(opts...)
	return a.env
}

// pipeline wires every handle into an acquisition pipeline. Installs into
// the local virtualenv are pinned in the requirements file.
func (a *app) pipeline(withDocker bool) (*pipeline.Pipeline, error) {
	store, err := a.openCache()
	if err != nil {
		return nil, err
	}
	mirrors, err := a.openMirrors()
	if err != nil {
		return nil, err
	}
	index, err := a.openIndex()
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithPolicy(a.cfg.Policy()),
		pipeline.WithWorkers(a.cfg.Workers),
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(pipeline.NewMetrics(a.registry)),
		pipeline.WithOutput(os.Stderr),
	}
	if !withDocker {
		opts = append(opts, pipeline.WithRequirementsFile(a.cfg.RequirementsFile))
	}
	return pipeline.New(store, mirrors, index, a.mirrorClient(), a.provider(withDocker), opts...), nil
}
