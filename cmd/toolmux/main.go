// Toolmux keeps live sessions to a set of MCP tool servers and routes
// capability calls to them.
//
// Shared servers are connected at startup and reconnect on their own
// when a connection drops. Tenant-scoped servers get one session per
// tenant, opened on first use and closed after sitting idle. Every
// capability is addressed as "capability@server".
//
// Usage:
//
//	toolmux serve                      Keep sessions open until interrupted
//	toolmux init [dir]                 Write an example config
//	toolmux list                       List capabilities of the shared servers
//	toolmux call <key> [json]          Call one capability
//	toolmux status                     Show session health
//	toolmux usage [hours]              Summarize the call log
//	toolmux version                    Print version and build information
//	toolmux -o json status             Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/toolmux/internal/buildinfo"
	"github.com/nugget/toolmux/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options carries the global flags to every subcommand.
type options struct {
	configPath string
	output     string // text or json
	tenant     string
}

// run is the real entry point. Arguments are parsed by hand so that
// tests can call run concurrently without flag package globals.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var (
		opts    options
		command string
		cmdArgs []string
	)

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-tenant" && i+1 < len(args):
			opts.tenant = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-tenant="):
			opts.tenant = strings.TrimPrefix(args[i], "-tenant=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "list":
		return runList(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: toolmux call <capability@server> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs)
	case "status":
		return runStatus(ctx, stdout, stderr, opts)
	case "usage":
		return runUsage(ctx, stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "toolmux - MCP tool server session orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolmux [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                   Keep sessions open until interrupted")
	fmt.Fprintln(w, "  init [dir]              Write an example config (default: .)")
	fmt.Fprintln(w, "  list                    List capabilities of the shared servers")
	fmt.Fprintln(w, "  call <key> [json]       Call a capability, e.g. read@files '{\"path\":\"a.txt\"}'")
	fmt.Fprintln(w, "  status                  Show session health")
	fmt.Fprintln(w, "  usage [hours]           Summarize recorded calls (default: 24h)")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -tenant <id>      Run the call on the tenant's own session")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the configuration file. An explicit
// path must exist; otherwise the default locations are searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
