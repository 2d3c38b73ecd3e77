package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coscene-io/coscout/internal/collector"
)

// newDaemonCmd returns the daemon command: the forever-running collector
// loop. A PID file lock keeps it single-instance; --reload signals the
// running daemon to refresh its event-code table instead.
func newDaemonCmd() *cobra.Command {
	var flagReload bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the collection agent",
		Long:  "Watch the configured directories, evaluate diagnosis rules, and upload triggered records until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			pidPath := filepath.Join(resolvedPaths.StateDir, "cos.pid")

			if flagReload {
				return signalDaemon(pidPath, syscall.SIGHUP)
			}

			logger := buildLogger()

			release, err := lockPidFile(pidPath)
			if err != nil {
				return err
			}
			defer release()

			sched, err := collector.NewScheduler(resolvedCfg, resolvedPaths, version, logger)
			if err != nil {
				return err
			}

			ctx := shutdownContext(context.Background(), logger)

			hupCh := make(chan os.Signal, 1)
			signal.Notify(hupCh, syscall.SIGHUP)

			defer signal.Stop(hupCh)

			go func() {
				for {
					select {
					case <-hupCh:
						logger.Info("received SIGHUP, reloading code table")
						sched.ReloadCodeTable(ctx)
					case <-ctx.Done():
						return
					}
				}
			}()

			return sched.RunForever(ctx)
		},
	}

	cmd.Flags().BoolVar(&flagReload, "reload", false, "signal the running daemon to reload its code table")

	return cmd
}
