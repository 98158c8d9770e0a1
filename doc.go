// Package sa is a Python package manager that acquires packages through a
// local cache, a set of mirrors and a vulnerability gate.
//
// The root package resolves the sa home directory and normalizes package
// names. The work happens in the subpackages:
//
//   - cache: SQLite-backed record of downloaded artifacts
//   - mirror: persisted mirror list and the index HTTP client
//   - security: vulnerability database, severities and blocking policy
//   - container: Docker operations for container environments
//   - environment: virtualenv and container install targets
//   - pipeline: the acquisition flow, alone or in bounded batches
//
// # Quick Start
//
//	store, _ := cache.Open(sa.CacheDir())
//	mirrors, _ := mirror.Open(sa.MirrorsPath())
//	index, _ := security.Open(sa.VulnerabilityDBPath())
//	p := pipeline.New(store, mirrors, index, mirror.NewClient(), environment.New())
//
//	res := p.Acquire(ctx, pipeline.Request{
//	    Name:   "requests",
//	    Target: environment.LocalTarget(".sa_env"),
//	})
//	fmt.Println(res.Outcome)
//
// # Home Directory
//
// State lives under ~/.sa, or SA_HOME when set:
//
//	~/.sa/config.yaml              settings (SA_CONFIG overrides)
//	~/.sa/mirrors.yaml             mirror registry
//	~/.sa/cache/cache.db           cache records
//	~/.sa/cache/*.whl              cached artifacts
//	~/.sa/cache/vulnerabilities.json
package sa
