package environment

import (
	"context"
	"errors"
	"io"

	"github.com/everydev1618/sa/container"
	"github.com/sirupsen/logrus"
)

func (p *Provider) containers() (Containers, error) {
	if p.docker == nil || !p.docker.IsAvailable() {
		return nil, ErrDockerUnavailable
	}
	return p.docker, nil
}

// CreateContainer builds a new environment image name from baseImage,
// installing the requirements file when one is given. Concurrent calls for
// the same name build once.
func (p *Provider) CreateContainer(ctx context.Context, name, baseImage, requirements string, out io.Writer) error {
	docker, err := p.containers()
	if err != nil {
		return err
	}
	_, err = p.do(ctx, "create:"+name, func(ctx context.Context) error {
		unlock := p.locks.lock("image:" + name)
		defer unlock()
		return p.buildEnvironment(ctx, docker, name, baseImage, requirements, out)
	})
	return err
}

// EnsureContainer creates the environment image name unless it exists.
// Concurrent calls for the same name check and build once.
func (p *Provider) EnsureContainer(ctx context.Context, name, baseImage string, out io.Writer) error {
	docker, err := p.containers()
	if err != nil {
		return err
	}
	_, err = p.do(ctx, "ensure:"+name, func(ctx context.Context) error {
		unlock := p.locks.lock("image:" + name)
		defer unlock()

		exists, err := docker.ImageExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return p.buildEnvironment(ctx, docker, name, baseImage, "", out)
	})
	return err
}

func (p *Provider) buildEnvironment(ctx context.Context, docker Containers, name, baseImage, requirements string, out io.Writer) error {
	if baseImage == "" {
		baseImage = DefaultBaseImage
	}
	p.log.WithFields(logrus.Fields{
		"action": "create_image",
		"env":    name,
		"base":   baseImage,
	}).Info("creating container environment")
	return docker.BuildImage(ctx, container.BuildOptions{
		Name:         name,
		BaseImage:    baseImage,
		Requirements: requirements,
	}, out)
}

// InstallContainer installs spec into the environment image name. The image
// is rebuilt on top of itself so the install persists. The index token is
// never passed to image builds since it would persist in the image history.
func (p *Provider) InstallContainer(ctx context.Context, name string, spec Spec, out io.Writer) error {
	docker, err := p.containers()
	if err != nil {
		return &InstallError{Package: spec.Name, Env: "docker:" + name, Err: err}
	}
	unlock := p.locks.lock("image:" + name)
	defer unlock()

	opts := container.BuildOptions{Name: name, BaseImage: name}
	install := []string{"pip", "install", "--disable-pip-version-check"}
	if spec.IndexURL != "" {
		install = append(install, "--index-url", spec.IndexURL)
	}
	if spec.Artifact != "" {
		f := container.File{Source: spec.Artifact, Name: spec.artifactName()}
		opts.Files = []container.File{f}
		install = append(install, f.ImagePath())
	} else {
		install = append(install, spec.Requirement())
	}
	opts.Run = [][]string{install}

	err = docker.BuildImage(ctx, opts, out)
	if err != nil {
		ie := &InstallError{Package: spec.Name, Env: "docker:" + name, Err: err}
		var be *container.BuildError
		if errors.As(err, &be) {
			ie.Output = be.Err.Error()
		}
		return ie
	}
	return nil
}

// ExecContainer runs cmd in a throwaway container of the environment name.
func (p *Provider) ExecContainer(ctx context.Context, name string, cmd []string, out io.Writer) (*container.ExecResult, error) {
	docker, err := p.containers()
	if err != nil {
		return nil, err
	}
	return docker.Exec(ctx, name, cmd, out)
}

// ListContainers returns the names of the container environments.
func (p *Provider) ListContainers(ctx context.Context) ([]string, error) {
	docker, err := p.containers()
	if err != nil {
		return nil, err
	}
	return docker.ListImages(ctx)
}

// RemoveContainer deletes the environment image name.
func (p *Provider) RemoveContainer(ctx context.Context, name string) error {
	docker, err := p.containers()
	if err != nil {
		return err
	}
	unlock := p.locks.lock("image:" + name)
	defer unlock()
	return docker.RemoveImage(ctx, name)
}
