package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/everydev1618/sa"
	"github.com/everydev1618/sa/cache"
	"github.com/everydev1618/sa/container"
	"github.com/everydev1618/sa/environment"
	"github.com/everydev1618/sa/internal/logging"
	"github.com/everydev1618/sa/pipeline"
)

// commandContext is cancelled on interrupt or after timeout.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// splitRequirement splits "name==version". A bare name has no version.
func splitRequirement(arg string) (string, string) {
	name, version, _ := strings.Cut(arg, "==")
	return strings.TrimSpace(name), strings.TrimSpace(version)
}

// addCmd installs packages through the acquisition pipeline.
func addCmd(args []string) error {
	fs, configPath := newFlagSet("add", `Usage: sa add <package>[==version]... [options]

Install packages. Each package is served from the cache when possible,
otherwise fetched from a mirror, checked against the vulnerability database
and installed.`)
	skipSecurity := fs.Bool("skip-security", false, "Skip the vulnerability check")
	mirrorName := fs.String("mirror", "", "Mirror to fetch from instead of the default")
	refresh := fs.Bool("refresh-cache", false, "Ignore cached records and fetch again")
	dockerImage := fs.String("docker", "", "Install into this container environment")
	venv := fs.String("venv", "", "Virtualenv path (default from config)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum time for all packages")

	pkgs, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no packages specified")
		fs.Usage()
		return errFailed
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	target := environment.LocalTarget(firstNonEmpty(*venv, a.cfg.VenvPath))
	if *dockerImage != "" {
		target = environment.ContainerTarget(*dockerImage, a.cfg.BaseImage)
	}

	p, err := a.pipeline(*dockerImage != "")
	if err != nil {
		return err
	}

	reqs := make([]pipeline.Request, 0, len(pkgs))
	for _, arg := range pkgs {
		name, version := splitRequirement(arg)
		reqs = append(reqs, pipeline.Request{
			Name:         name,
			Version:      version,
			Mirror:       *mirrorName,
			SkipSecurity: *skipSecurity,
			RefreshCache: *refresh,
			Target:       target,
		})
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	batch := p.AcquireAll(ctx, reqs)
	for _, r := range batch.Results {
		printResult(r)
	}
	if len(batch.Results) > 1 {
		fmt.Println(batch.Summary())
	}
	if !batch.OK() {
		return errFailed
	}
	return nil
}

func printResult(r pipeline.Result) {
	label := r.Request.Name
	if r.Version != "" {
		label += " " + r.Version
	}

	switch r.Outcome {
	case pipeline.ServedFromCache:
		fmt.Printf("%s: installed from cache into %s\n", label, r.Request.Target)
	case pipeline.Installed:
		fmt.Printf("%s: installed from %s into %s\n", label, r.Mirror, r.Request.Target)
	case pipeline.BlockedBySecurity:
		fmt.Printf("%s: blocked by security policy\n", label)
		var blocked *pipeline.BlockedError
		if errors.As(r.Err, &blocked) {
			for _, v := range blocked.Findings {
				fmt.Printf("  %s [%s] %s: %s\n", v.ID, v.Severity, v.VersionRange, v.Description)
			}
		}
		fmt.Println("  use --skip-security to install anyway")
	default:
		fmt.Printf("%s: %s: %v\n", label, r.Outcome, r.Err)
	}
}

// removeCmd uninstalls a package from the virtualenv.
func removeCmd(args []string) error {
	fs, configPath := newFlagSet("remove", `Usage: sa remove <package> [options]

Uninstall a package from the virtualenv and drop it from the requirements file.`)
	cleanCache := fs.Bool("clean-cache", false, "Also remove the package's unpinned cache record")
	venv := fs.String("venv", "", "Virtualenv path (default from config)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum execution time")

	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one package required")
		fs.Usage()
		return errFailed
	}
	name := sa.NormalizeName(pos[0])

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	fields := logging.PackageFields(name, "", "venv:"+firstNonEmpty(*venv, a.cfg.VenvPath))

	if *cleanCache {
		store, err := a.openCache()
		if err != nil {
			return err
		}
		if err := store.Remove(ctx, name, cache.Latest); err != nil {
			a.log.WithFields(fields).WithError(err).Warn("could not clean cache")
		}
	}

	root := firstNonEmpty(*venv, a.cfg.VenvPath)
	if err := a.provider(false).UninstallLocal(ctx, root, name); err != nil {
		return err
	}
	if err := pipeline.DropRequirement(a.cfg.RequirementsFile, name); err != nil {
		a.log.WithFields(fields).WithError(err).Warn("could not update requirements file")
	}
	a.log.WithFields(fields).WithField("action", "remove").Info("package removed")
	fmt.Printf("Removed %s\n", name)
	return nil
}

// runCmd installs a package and runs a Python script with it.
func runCmd(args []string) error {
	fs, configPath := newFlagSet("run", `Usage: sa run --with <package>[==version] [options] [script args...]

Install a package, then run python with the remaining arguments. With
--docker the package goes into a temporary container environment that is
removed afterwards.`)
	with := fs.String("with", "", "Package to install before running")
	docker := fs.Bool("docker", false, "Run in a temporary container environment")
	image := fs.String("image", "", "Base image for --docker (default from config)")
	venv := fs.String("venv", "", "Virtualenv path (default from config)")
	skipSecurity := fs.Bool("skip-security", false, "Skip the vulnerability check")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum execution time")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *with == "" {
		fmt.Fprintln(os.Stderr, "Error: --with is required")
		fs.Usage()
		return errFailed
	}
	script := fs.Args()

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	target := environment.LocalTarget(firstNonEmpty(*venv, a.cfg.VenvPath))
	if *docker {
		target = environment.ContainerTarget(container.NewName("temp"), firstNonEmpty(*image, a.cfg.BaseImage))
	}

	p, err := a.pipeline(*docker)
	if err != nil {
		return err
	}
	prov := a.provider(*docker)

	if *docker {
		defer func() {
			if err := prov.RemoveContainer(context.Background(), target.Image); err != nil {
				a.log.WithError(err).WithField("env", target.Image).Warn("remove temporary environment")
			}
		}()
	}

	name, version := splitRequirement(*with)
	res := p.Acquire(ctx, pipeline.Request{
		Name:         name,
		Version:      version,
		SkipSecurity: *skipSecurity,
		Target:       target,
	})
	printResult(res)
	if !res.Outcome.OK() {
		return errFailed
	}
	if len(script) == 0 {
		return nil
	}

	if *docker {
		_, err = prov.ExecContainer(ctx, target.Image, append([]string{"python"}, script...), os.Stdout)
	} else {
		err = prov.RunLocal(ctx, target.Path, script, os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
