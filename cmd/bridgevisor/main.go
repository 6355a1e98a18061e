package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// SweepFlags holds flags for the sweep command
type SweepFlags struct {
	Yes    bool
	DryRun bool
}

// RemoteFlags select a running server instead of the local registry.
type RemoteFlags struct {
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
	JSON        bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSweepCommand(globalFlags),
		createCleanupCommand(globalFlags),
		createStatusCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgevisor",
		Short: "Browser process supervisor for messaging bridges",
		Long: `Bridgevisor runs the browser behind a messaging bridge, tracks its process
across restarts and cleans up browsers left behind by crashed instances.

Examples:
  bridgevisor serve --config=bridgevisor.toml
  bridgevisor status
  bridgevisor status --api-url=http://127.0.0.1:8787/api
  bridgevisor cleanup
  bridgevisor sweep --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the browser session and supervise it until a signal arrives",
		Long: `Start the browser session, track its process and serve the admin API.
SIGINT, SIGTERM and SIGHUP shut the session down; the process exits
non-zero when shutdown fails. Logs go to stderr or the configured log file,
never to stdout.

Examples:
  bridgevisor serve --config=bridgevisor.toml
  bridgevisor serve bridgevisor.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func createSweepCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &SweepFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Find and kill stray automated browser processes",
		Long: `Reclaim known orphans from the registry, then look for browser processes
whose command line carries automation markers or the session directory name,
and kill them. On a terminal the candidates are confirmed first; unattended
runs proceed automatically.

Examples:
  bridgevisor sweep --dry-run
  bridgevisor sweep --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Yes, "yes", "y", false, "kill without asking")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "list candidates only")
	return cmd
}

func createCleanupCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one orphan reclaim pass",
		Long: `Drop dead registry entries and kill browsers registered by other instances
longer ago than registry.stale_after. With --api-url the pass runs inside the
server instead.

Examples:
  bridgevisor cleanup
  bridgevisor cleanup --api-url=http://127.0.0.1:8787/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, globalFlags.ConfigPath, *flags)
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked browser processes",
		Long: `List the processes in the registry with their liveness. With --api-url the
session status of a running server is shown as well.

Examples:
  bridgevisor status
  bridgevisor status --json
  bridgevisor status --api-url=http://127.0.0.1:8787/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, globalFlags.ConfigPath, *flags)
		},
	}
	addRemoteFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "running server URL (e.g. http://127.0.0.1:8787/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&flags.APICACert, "api-ca-cert", "", "CA certificate to trust for an https server (e.g. tls_ca.crt)")
	cmd.Flags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS certificate verification")
}
