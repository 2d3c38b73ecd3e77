package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext cancels the returned context on SIGINT/SIGTERM so the
// scheduler can drain in-flight uploads. A second signal force-exits for
// the case where a transfer hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		if parent.Err() != nil {
			return
		}

		logger.Info("shutting down, interrupt again to force exit")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Warn("force exit", "signal", sig.String())
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
