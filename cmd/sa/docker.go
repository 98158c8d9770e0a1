package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/everydev1618/sa/container"
	"github.com/everydev1618/sa/environment"
)

const dockerUsage = `Usage: sa docker <create|list|remove|exec> [options]

  create <name> [--base IMAGE] [--requirements FILE]  Build a container environment
  list                                                List container environments
  remove <name>                                       Delete a container environment
  exec <name> -- <command...>                         Run a command in an environment`

func dockerCmd(args []string) error {
	action, rest, err := subcommand(args, dockerUsage)
	if err != nil {
		return err
	}

	fs, configPath := newFlagSet("docker "+action, dockerUsage)
	base := fs.String("base", "", "Base image (default from config)")
	requirements := fs.String("requirements", "", "requirements.txt to install at build time")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum execution time")

	var pos []string
	if action == "exec" {
		if err := fs.Parse(rest); err != nil {
			return err
		}
		pos = fs.Args()
	} else if pos, err = parseArgs(fs, rest); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	prov := a.provider(true)
	ctx, cancel := commandContext(*timeout)
	defer cancel()

	switch action {
	case "create":
		if len(pos) != 1 {
			fmt.Fprintln(os.Stderr, "Error: environment name required")
			return errFailed
		}
		baseImage := *base
		if baseImage == "" {
			baseImage = a.cfg.BaseImage
		}
		if err := prov.CreateContainer(ctx, pos[0], baseImage, *requirements, os.Stdout); err != nil {
			return dockerError(err)
		}
		fmt.Printf("Created environment %s from %s\n", pos[0], baseImage)

	case "list":
		names, err := prov.ListContainers(ctx)
		if err != nil {
			return dockerError(err)
		}
		if len(names) == 0 {
			fmt.Println("No container environments")
		}
		for _, n := range names {
			fmt.Println(n)
		}

	case "remove":
		if len(pos) != 1 {
			fmt.Fprintln(os.Stderr, "Error: environment name required")
			return errFailed
		}
		if err := prov.RemoveContainer(ctx, pos[0]); err != nil {
			return dockerError(err)
		}
		fmt.Printf("Removed environment %s\n", pos[0])

	case "exec":
		if len(pos) < 2 {
			fmt.Fprintln(os.Stderr, "Error: environment name and command required")
			return errFailed
		}
		cmd := pos[1:]
		if cmd[0] == "--" {
			cmd = cmd[1:]
		}
		if _, err := prov.ExecContainer(ctx, pos[0], cmd, os.Stdout); err != nil {
			var exit *container.ExitError
			if errors.As(err, &exit) {
				return errFailed
			}
			return dockerError(err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown docker command: %s\n\n%s\n", action, dockerUsage)
		return errFailed
	}
	return nil
}

func dockerError(err error) error {
	if errors.Is(err, environment.ErrDockerUnavailable) {
		return fmt.Errorf("%w: is the Docker daemon running?", err)
	}
	return err
}
