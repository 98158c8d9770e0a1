package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"
)

const mirrorUsage = `Usage: sa mirror <add|remove|list|test> [options]

  add <name> <url> [--default]  Register a mirror
  remove <name>                 Unregister a mirror
  list                          List mirrors
  test [name]                   Check reachability of one or all mirrors`

func mirrorCmd(args []string) error {
	action, rest, err := subcommand(args, mirrorUsage)
	if err != nil {
		return err
	}

	fs, configPath := newFlagSet("mirror "+action, mirrorUsage)
	setDefault := fs.Bool("default", false, "Make the new mirror the default")
	timeout := fs.Duration("timeout", 2*time.Minute, "Maximum execution time")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	reg, err := a.openMirrors()
	if err != nil {
		return err
	}

	switch action {
	case "add":
		if len(pos) != 2 {
			fmt.Fprintln(os.Stderr, "Error: name and url required")
			return errFailed
		}
		if err := reg.Add(pos[0], pos[1], *setDefault); err != nil {
			return err
		}
		fmt.Printf("Added mirror %s\n", pos[0])

	case "remove":
		if len(pos) != 1 {
			fmt.Fprintln(os.Stderr, "Error: mirror name required")
			return errFailed
		}
		if err := reg.Remove(pos[0]); err != nil {
			return err
		}
		fmt.Printf("Removed mirror %s\n", pos[0])

	case "list":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tURL\tDEFAULT\tACTIVE\tLAST TESTED")
		for _, m := range reg.List() {
			tested := "never"
			if m.LastTested != nil {
				tested = m.LastTested.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", m.Name, m.URL, m.IsDefault, m.IsActive, tested)
		}
		return w.Flush()

	case "test":
		ctx, cancel := commandContext(*timeout)
		defer cancel()

		results := make(map[string]bool)
		if len(pos) == 1 {
			ok, err := reg.Test(ctx, pos[0])
			if err != nil {
				return err
			}
			results[pos[0]] = ok
		} else {
			results = reg.TestAll(ctx)
		}

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		failed := false
		for _, name := range names {
			status := "reachable"
			if !results[name] {
				status = "unreachable"
				failed = true
			}
			fmt.Printf("%s: %s\n", name, status)
		}
		if failed {
			return errFailed
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown mirror command: %s\n\n%s\n", action, mirrorUsage)
		return errFailed
	}
	return nil
}
