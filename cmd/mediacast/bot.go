package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"mediacast/internal/app"
	"mediacast/pkg/sdnotify"
)

func newBotCmd(opts *rootOpts) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the chat bot, local queue and broadcast coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			if err := a.Start(ctx); err != nil {
				stop()
				return err
			}
			sdnotify.Ready()
			go sdnotify.Watchdog(ctx, sdnotify.WatchdogInterval(), a.Healthy)

			reason := app.StopUnknown
			select {
			case <-ctx.Done():
				reason = stop()
			case <-a.Done():
				reason = app.StopFatalError
				stop()
			}
			sdnotify.Stopping()
			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(sctx, reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
	return cmd
}
