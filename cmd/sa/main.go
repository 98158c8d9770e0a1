// Package main provides the sa CLI.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

var (
	version = "dev"
)

// errFailed reports a failure that was already printed.
var errFailed = errors.New("command failed")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "add":
		err = addCmd(args)
	case "remove":
		err = removeCmd(args)
	case "install":
		err = installCmd(args)
	case "uninstall":
		err = uninstallCmd(args)
	case "list":
		err = listCmd(args)
	case "run":
		err = runCmd(args)
	case "cache":
		err = cacheCmd(args)
	case "security":
		err = securityCmd(args)
	case "mirror":
		err = mirrorCmd(args)
	case "docker":
		err = dockerCmd(args)
	case "version":
		fmt.Printf("sa %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, errFailed) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sa - Python package acquisition with caching, mirrors and vulnerability gating

Usage:
  sa <command> [options]

Commands:
  add       Install packages through the cache, mirrors and security gate
  remove    Uninstall a package from the virtualenv
  install   Install a package directly with pip
  uninstall Uninstall a package with pip
  list      List the packages installed in the virtualenv
  run       Install a package and run a script with it
  cache     Manage the package cache (clear, stats, verify, optimize, list)
  security  Scan packages, update the vulnerability database, show the policy
  mirror    Manage package mirrors (add, remove, list, test)
  docker    Manage container environments (create, list, remove, exec)
  version   Print version information
  help      Show this help message

Examples:
  sa add requests==2.31.0 flask
  sa add numpy --docker my-env
  sa security update
  sa mirror add tuna https://pypi.tuna.tsinghua.edu.cn/simple --default

Every command accepts --config FILE (default $SA_CONFIG or ~/.sa/config.yaml).
Run 'sa <command> --help' for more information on a command.`)
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.Usage = func() {
		fmt.Println(usage)
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}
	return fs, configPath
}

// subcommand splits "sa cache stats ..." style arguments.
func subcommand(args []string, usage string) (string, []string, error) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		return "", nil, errFailed
	}
	return args[0], args[1:], nil
}

// parseArgs parses flags that may appear between positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}
