package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/helm/projsync/pkg/catalog"
)

// withApp builds the app for one command and tears it down afterwards.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	defer a.close(ctx)

	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %s\n", ColorRed, ColorReset, describeError(err))
		return 1
	}
	return 0
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) error {
		summaries, err := a.catalog.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(stdout, summaries)
		}
		writeSummaries(stdout, summaries...)
		return nil
	})
}

func runCreateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		pkgPath    string
		root       string
		jsonOutput bool
	)
	cmd.StringVar(&pkgPath, "package", "", "Path to the project package zip (REQUIRED)")
	cmd.StringVar(&root, "root", "", "Top-level assembly inside the package")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if pkgPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --package is required")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) error {
		f, err := os.Open(pkgPath) //nolint:gosec // operator-supplied path
		if err != nil {
			return fmt.Errorf("open package: %w", err)
		}
		defer func() { _ = f.Close() }()

		summary, err := a.catalog.Create(ctx, catalog.CreateRequest{
			PackageName:      filepath.Base(pkgPath),
			TopLevelAssembly: root,
			Package:          f,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(stdout, summary)
		}
		_, _ = fmt.Fprintf(stdout, "%s✓%s adopted %s\n", ColorGreen, ColorReset, summary.Name)
		writeSummaries(stdout, *summary)
		return nil
	})
}

func runSyncCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sync", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: projsync sync <name>")
		return 2
	}
	name := cmd.Arg(0)

	return withApp(stderr, func(ctx context.Context, a *app) error {
		summary, err := a.catalog.Sync(ctx, name)
		if err != nil {
			return err
		}
		writeSummaries(stdout, *summary)
		return nil
	})
}

func runViewablesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("viewables", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var hash string
	cmd.StringVar(&hash, "hash", "", "Parameter hash to place (REQUIRED)")
	if err := cmd.Parse(reorder(args)); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: projsync viewables <name> --hash <hash>")
		return 2
	}
	if hash == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --hash is required")
		return 2
	}
	name := cmd.Arg(0)

	return withApp(stderr, func(ctx context.Context, a *app) error {
		local, err := a.catalog.Viewables(ctx, name, hash)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "svf:        %s\n", local.SVFDir)
		_, _ = fmt.Fprintf(stdout, "parameters: %s\n", local.Parameters)
		return nil
	})
}

func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		limit      int
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 10, "Maximum attempts to show")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(reorder(args)); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: projsync history <name> [--limit n]")
		return 2
	}
	name := cmd.Arg(0)

	return withApp(stderr, func(ctx context.Context, a *app) error {
		attempts, err := a.catalog.Attempts(ctx, name, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(stdout, attempts)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ATTEMPT\tSTATE\tSTARTED\tMESSAGE")
		for _, at := range attempts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", at.ID, at.State, at.StartedAt.Format(time.RFC3339), at.Message)
		}
		return tw.Flush()
	})
}

// reorder moves a leading positional argument behind the flags so
// "viewables demo --hash h" parses the same as "viewables --hash h demo".
func reorder(args []string) []string {
	if len(args) == 0 || len(args[0]) == 0 || args[0][0] == '-' {
		return args
	}
	return append(append([]string{}, args[1:]...), args[0])
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeSummaries(w io.Writer, summaries ...catalog.Summary) {
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(w, "no projects")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tHASH\tROOT\tSVF")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Hash, s.TopLevelAssembly, s.SVFDir)
	}
	_ = tw.Flush()
}
