package main

import (
	"fmt"
	"os"
	"time"

	"github.com/everydev1618/sa/environment"
	"github.com/everydev1618/sa/internal/logging"
	"github.com/everydev1618/sa/mirror"
	"github.com/sirupsen/logrus"
)

// installCmd installs a package straight into the virtualenv with pip.
func installCmd(args []string) error {
	fs, configPath := newFlagSet("install", `Usage: sa install <package>[==version] [options]

Install a package directly with pip, without the cache or the vulnerability
check, then show its details. Use "sa add" for the checked path.`)
	mirrorName := fs.String("mirror", "", "Mirror to install from instead of pip's own index")
	venv := fs.String("venv", "", "Virtualenv path (default from config)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum execution time")

	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one package required")
		fs.Usage()
		return errFailed
	}
	name, version := splitRequirement(pos[0])

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	spec := environment.Spec{Name: name, Version: version}
	if *mirrorName != "" {
		registry, err := a.openMirrors()
		if err != nil {
			return err
		}
		m, ok := registry.Get(*mirrorName)
		if !ok {
			return fmt.Errorf("mirror %s: %w", *mirrorName, mirror.ErrMirrorNotFound)
		}
		spec.IndexURL = m.URL
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	root := firstNonEmpty(*venv, a.cfg.VenvPath)
	prov := a.provider(false)
	if err := prov.Install(ctx, environment.LocalTarget(root), spec, os.Stderr); err != nil {
		return err
	}
	a.log.WithFields(logging.PackageFields(name, version, "venv:"+root)).WithField("action", "install").Info("package installed")
	return prov.ShowLocal(ctx, root, []string{name}, false, os.Stdout)
}

// uninstallCmd removes a package from the virtualenv with pip.
func uninstallCmd(args []string) error {
	fs, configPath := newFlagSet("uninstall", `Usage: sa uninstall <package> [options]

Uninstall a package from the virtualenv. Unlike "sa remove" the
requirements file and cache are left alone.`)
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

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	root := firstNonEmpty(*venv, a.cfg.VenvPath)
	if err := a.provider(false).UninstallLocal(ctx, root, pos[0]); err != nil {
		return err
	}
	fmt.Printf("Uninstalled %s\n", pos[0])
	return nil
}

// listCmd lists the packages installed in the virtualenv.
func listCmd(args []string) error {
	fs, configPath := newFlagSet("list", `Usage: sa list [options]

List the packages installed in the virtualenv.`)
	format := fs.String("format", string(environment.ListColumns), "Output format: columns, freeze or json")
	tree := fs.Bool("tree", false, "Show each package with its requirements and dependents")
	venv := fs.String("venv", "", "Virtualenv path (default from config)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Maximum execution time")

	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	f, ok := environment.ParseListFormat(*format)
	if !ok {
		a.log.WithFields(logrus.Fields{
			"action": "list",
			"format": *format,
		}).Warn("unknown list format, using columns")
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	root := firstNonEmpty(*venv, a.cfg.VenvPath)
	return a.provider(false).ListLocal(ctx, root, f, *tree, os.Stdout)
}
