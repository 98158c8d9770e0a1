package main

import (
	"fmt"
	"os"
	"time"

	"github.com/everydev1618/sa"
)

const securityUsage = `Usage: sa security <scan|update|policy> [options]

  scan <package> [--version V]  List known vulnerabilities for a package
  update                        Download the vulnerability database
  policy                        Show the blocking policy and database state`

func securityCmd(args []string) error {
	action, rest, err := subcommand(args, securityUsage)
	if err != nil {
		return err
	}

	fs, configPath := newFlagSet("security "+action, securityUsage)
	version := fs.String("version", "", "Package version to scan")
	timeout := fs.Duration("timeout", 5*time.Minute, "Maximum execution time")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	index, err := a.openIndex()
	if err != nil {
		return err
	}

	switch action {
	case "scan":
		if len(pos) != 1 {
			fmt.Fprintln(os.Stderr, "Error: exactly one package required")
			return errFailed
		}
		name, v := splitRequirement(pos[0])
		if *version != "" {
			v = *version
		}
		if index.Len() == 0 {
			fmt.Println("Vulnerability database is empty; run 'sa security update'")
		}
		findings := index.Scan(sa.NormalizeName(name), v)
		if len(findings) == 0 {
			fmt.Printf("No known vulnerabilities for %s %s\n", name, v)
			return nil
		}
		blocking := a.cfg.Policy().Blocks(findings)
		fmt.Printf("%d known vulnerabilities for %s %s:\n", len(findings), name, v)
		for _, f := range findings {
			fmt.Printf("  %s [%s] %s\n", f.ID, f.Severity, f.VersionRange)
			fmt.Printf("    %s\n", f.Description)
			if f.FixedVersion != "" {
				fmt.Printf("    fixed in %s\n", f.FixedVersion)
			}
		}
		if len(blocking) > 0 {
			fmt.Printf("%d would block installation (%s)\n", len(blocking), a.cfg.Policy())
		}

	case "update":
		ctx, cancel := commandContext(*timeout)
		defer cancel()
		fmt.Printf("Updating vulnerability database from %s\n", a.cfg.VulnFeedURL)
		if err := index.Refresh(ctx); err != nil {
			return err
		}
		fmt.Printf("Loaded %d advisories into %s\n", index.Len(), index.Path())

	case "policy":
		fmt.Printf("Policy:     %s\n", a.cfg.Policy())
		fmt.Printf("Versions:   %s comparison\n", a.cfg.VersionCompare)
		fmt.Printf("Database:   %s\n", index.Path())
		fmt.Printf("Advisories: %d\n", index.Len())
		if t := index.UpdatedAt(); !t.IsZero() {
			fmt.Printf("Updated:    %s\n", t.Local().Format(time.DateTime))
		} else {
			fmt.Println("Updated:    never")
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown security command: %s\n\n%s\n", action, securityUsage)
		return errFailed
	}
	return nil
}
