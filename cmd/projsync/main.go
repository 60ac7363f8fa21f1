package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "create":
		return runCreateCmd(args[2:], stdout, stderr)
	case "sync":
		return runSyncCmd(args[2:], stdout, stderr)
	case "viewables":
		return runViewablesCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sprojsync%s\n", ColorBold, ColorReset)
	fmt.Fprintf(w, "%sKeeps project viewables in a local cache in sync with the bucket.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  projsync <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PROJECTS")
	printCommand(w, "list", "List projects in the bucket (--json)")
	printCommand(w, "create", "Adopt a new project (--package, --root)")
	printCommand(w, "sync", "Download a project's cache again (<name>)")
	printCommand(w, "viewables", "Place viewables for a hash (<name> --hash)")
	printCommand(w, "history", "Show adoption attempts (<name> --limit)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")

	printSection(w, "ENVIRONMENT")
	fmt.Fprintln(w, "  PROJSYNC_CONFIG       YAML config file (optional)")
	fmt.Fprintln(w, "  PROJSYNC_BACKEND      oss | s3 | gcs | fs (default fs)")
	fmt.Fprintln(w, "  FORGE_CLIENT_ID       client id for the oss backend")
	fmt.Fprintln(w, "  FORGE_CLIENT_SECRET   client secret for the oss backend")
	fmt.Fprintln(w, "  PROCESSING_URL        processing service base URL")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
