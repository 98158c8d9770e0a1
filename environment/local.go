package environment

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// binDir is where a virtualenv keeps its executables.
func binDir(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts")
	}
	return filepath.Join(root, "bin")
}

// interpreter is the virtualenv's python executable.
func interpreter(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(binDir(root), "python.exe")
	}
	return filepath.Join(binDir(root), "python")
}

func localKey(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve environment path %s: %w", root, err)
	}
	return filepath.Clean(abs), nil
}

// EnsureLocal creates a virtualenv at root unless one with an interpreter
// already exists there. Concurrent calls for the same path create it once.
// A failed creation removes the directory again when it did not exist
// before.
func (p *Provider) EnsureLocal(ctx context.Context, root string) error {
	abs, err := localKey(root)
	if err != nil {
		return err
	}

	shared, err := p.do(ctx, "venv:"+abs, func(ctx context.Context) error {
		if _, err := os.Stat(interpreter(abs)); err == nil {
			return nil
		}
		_, statErr := os.Stat(abs)
		existed := statErr == nil

		log := p.log.WithFields(logrus.Fields{
			"action": "create_venv",
			"env":    abs,
		})
		log.Info("creating virtualenv")
		out, err := p.runner.Run(ctx, Command{
			Path: p.python,
			Args: []string{"-m", "venv", abs},
		})
		if err == nil {
			if _, err = os.Stat(interpreter(abs)); err != nil {
				err = fmt.Errorf("no interpreter at %s", interpreter(abs))
			}
		}
		if err != nil {
			log.WithError(err).Warn("virtualenv creation failed")
			if !existed {
				os.RemoveAll(abs)
			}
			return fmt.Errorf("create virtualenv %s: %w: %s", abs, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if shared {
		p.log.WithField("env", abs).Debug("joined in-flight environment creation")
	}
	return err
}

// InstallLocal installs spec into the virtualenv at root. A spec with an
// artifact installs that file, staged under its upstream file name.
func (p *Provider) InstallLocal(ctx context.Context, root string, spec Spec) error {
	abs, err := localKey(root)
	if err != nil {
		return err
	}
	env := "venv:" + abs
	unlock := p.locks.lock(env)
	defer unlock()

	target := spec.Requirement()
	if spec.Artifact != "" {
		staged, cleanup, err := stageArtifact(spec)
		if err != nil {
			return &InstallError{Package: spec.Name, Env: env, Err: err}
		}
		defer cleanup()
		target = staged
	}

	cmd := Command{
		Path: filepath.Join(binDir(abs), "pip"),
		Args: []string{"install", "--disable-pip-version-check", target},
	}
	if spec.IndexURL != "" {
		cmd.Env = append(cmd.Env, "PIP_INDEX_URL="+p.indexURL(spec.IndexURL))
	}

	out, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return &InstallError{Package: spec.Name, Env: env, Output: string(out), Err: err}
	}
	p.log.WithFields(logrus.Fields{
		"action":   "install",
		"package":  spec.Name,
		"version":  spec.Version,
		"env":      env,
		"artifact": spec.Artifact != "",
	}).Debug("package installed")
	return nil
}

// stageArtifact copies the artifact into a temporary directory under its
// upstream file name.
func stageArtifact(spec Spec) (string, func(), error) {
	dir, err := os.MkdirTemp("", "sa-install-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	src, err := os.Open(spec.Artifact)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("open cached artifact: %w", err)
	}
	defer src.Close()

	staged := filepath.Join(dir, spec.artifactName())
	dst, err := os.Create(staged)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("stage artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return staged, cleanup, nil
}

// UninstallLocal removes a package from the virtualenv at root.
func (p *Provider) UninstallLocal(ctx context.Context, root, name string) error {
	abs, err := localKey(root)
	if err != nil {
		return err
	}
	unlock := p.locks.lock("venv:" + abs)
	defer unlock()

	out, err := p.runner.Run(ctx, Command{
		Path: filepath.Join(binDir(abs), "pip"),
		Args: []string{"uninstall", "-y", name},
	})
	if err != nil {
		return fmt.Errorf("uninstall %s from %s: %w: %s", name, abs, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListFormat is an installed-package listing format understood by pip.
type ListFormat string

const (
	ListColumns ListFormat = "columns"
	ListFreeze  ListFormat = "freeze"
	ListJSON    ListFormat = "json"
)

// ParseListFormat maps s to a ListFormat. Unknown values report false.
func ParseListFormat(s string) (ListFormat, bool) {
	switch f := ListFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ListColumns, ListFreeze, ListJSON:
		return f, true
	}
	return ListColumns, false
}

// ErrNoEnvironment is returned when a virtualenv has no interpreter.
var ErrNoEnvironment = errors.New("virtualenv not found")

func (p *Provider) requireLocal(root string) (string, error) {
	abs, err := localKey(root)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(interpreter(abs)); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", abs, ErrNoEnvironment)
	}
	return abs, nil
}

// ListLocal writes the packages installed in the virtualenv at root to out.
// With tree set it prints each package with its requirements and
// dependents instead.
func (p *Provider) ListLocal(ctx context.Context, root string, format ListFormat, tree bool, out io.Writer) error {
	abs, err := p.requireLocal(root)
	if err != nil {
		return err
	}
	pip := filepath.Join(binDir(abs), "pip")

	if !tree {
		if _, err := p.runner.Run(ctx, Command{
			Path:   pip,
			Args:   []string{"list", "--disable-pip-version-check", "--format", string(format)},
			Stdout: out,
		}); err != nil {
			return fmt.Errorf("list packages in %s: %w", abs, err)
		}
		return nil
	}

	frozen, err := p.runner.Run(ctx, Command{
		Path: pip,
		Args: []string{"list", "--disable-pip-version-check", "--format", string(ListFreeze)},
	})
	if err != nil {
		return fmt.Errorf("list packages in %s: %w: %s", abs, err, strings.TrimSpace(string(frozen)))
	}
	names := freezeNames(frozen)
	if len(names) == 0 {
		return nil
	}
	return p.ShowLocal(ctx, abs, names, true, out)
}

// freezeNames extracts package names from pip's freeze format.
func freezeNames(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") {
			continue
		}
		name, _, _ := strings.Cut(line, "==")
		name, _, _ = strings.Cut(name, " @ ")
		names = append(names, strings.TrimSpace(name))
	}
	return names
}

// ShowLocal writes pip's details for names in the virtualenv at root.
func (p *Provider) ShowLocal(ctx context.Context, root string, names []string, verbose bool, out io.Writer) error {
	abs, err := p.requireLocal(root)
	if err != nil {
		return err
	}
	args := []string{"show", "--disable-pip-version-check"}
	if verbose {
		args = append(args, "--verbose")
	}
	if _, err := p.runner.Run(ctx, Command{
		Path:   filepath.Join(binDir(abs), "pip"),
		Args:   append(args, names...),
		Stdout: out,
	}); err != nil {
		return fmt.Errorf("show %s in %s: %w", strings.Join(names, " "), abs, err)
	}
	return nil
}

// RunLocal runs the virtualenv's interpreter with args, streaming output.
func (p *Provider) RunLocal(ctx context.Context, root string, args []string, out io.Writer) error {
	abs, err := localKey(root)
	if err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, Command{
		Path:   filepath.Join(binDir(abs), "python"),
		Args:   args,
		Stdout: out,
	}); err != nil {
		return fmt.Errorf("run in %s: %w", abs, err)
	}
	return nil
}
