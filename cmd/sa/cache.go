package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

const cacheUsage = `Usage: sa cache <clear|stats|verify|optimize|list> [options]

  clear     Delete every cached record and artifact
  stats     Show the number of records and the cache size
  verify    Purge records whose artifact is missing or corrupt
  optimize  Delete artifact files no record points at
  list      List cached packages`

func cacheCmd(args []string) error {
	action, rest, err := subcommand(args, cacheUsage)
	if err != nil {
		return err
	}

	fs, configPath := newFlagSet("cache "+action, cacheUsage)
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum execution time")
	if _, err := parseArgs(fs, rest); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openCache()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	switch action {
	case "clear":
		if err := store.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Println("Cache cleared")

	case "stats":
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Location: %s\n", store.Dir())
		fmt.Printf("Packages: %d\n", st.Count)
		fmt.Printf("Size:     %s\n", humanize.IBytes(uint64(st.TotalBytes)))

	case "verify":
		rep, err := store.Verify(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d records\n", rep.Checked)
		for _, k := range rep.Missing {
			fmt.Printf("  purged %s: artifact missing\n", k)
		}
		for _, k := range rep.Corrupt {
			fmt.Printf("  purged %s: checksum mismatch\n", k)
		}
		if len(rep.Missing)+len(rep.Corrupt) == 0 {
			fmt.Println("All records are intact")
		}

	case "optimize":
		rep, err := store.Optimize(ctx)
		if err != nil {
			return err
		}
		for _, f := range rep.Removed {
			fmt.Printf("  removed %s\n", f)
		}
		fmt.Printf("Reclaimed %s\n", humanize.IBytes(uint64(rep.ReclaimedBytes)))

	case "list":
		pkgs, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Println("Cache is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PACKAGE\tCACHED\tSHA256")
		for i := range pkgs {
			p := &pkgs[i]
			fmt.Fprintf(w, "%s\t%s\t%.12s\n", p.PURL(), p.CachedAt.Local().Format(time.DateTime), p.Hash)
		}
		return w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "Unknown cache command: %s\n\n%s\n", action, cacheUsage)
		return errFailed
	}
	return nil
}
