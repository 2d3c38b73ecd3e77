package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/coscene-io/coscout/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and resolvedPaths hold the effective configuration loaded
// by PersistentPreRunE, available to all subcommands afterwards.
var (
	resolvedCfg   *config.Config
	resolvedPaths config.Paths
)

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cos",
		Short:   "coScene data collection agent",
		Long:    "Agent that watches robot data directories, matches diagnosis rules, and uploads triggered records to the coScene platform.",
		Version: version,
		// Silence Cobra's default error/usage printing; exitOnError owns it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config-file", "c", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newRemoteConfigCmd())

	return cmd
}

// loadConfig resolves the agent configuration: platform directories,
// config.yaml when present, and environment overrides.
func loadConfig() error {
	resolvedPaths = config.DefaultPaths()

	path := flagConfigPath
	if path == "" {
		path = resolvedPaths.ConfigFile()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger honoring --verbose and --quiet.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
