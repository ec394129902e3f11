package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
	"shopwatch/pkg/systemd"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runServe(parent context.Context, opts *RootOptions, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Remember which signal ended the run for the stop log.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(ctx, opts.ConfigPath, opts.EnvFiles...)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("fatal start: %w", err)
	}
	_, _ = systemd.Ready()

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() { _ = systemd.Watchdog(wdCtx) }()

	reason := app.StopAppStop
	select {
	case <-ctx.Done():
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			} else {
				reason = app.StopSIGINT
			}
		default:
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
	}
	return nil
}
