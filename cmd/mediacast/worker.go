package main

import (
	"github.com/spf13/cobra"

	"mediacast/internal/app"
	"mediacast/pkg/sdnotify"
)

func newWorkerCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Pull media tasks from the broker and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := app.NewWorkerApp(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			sdnotify.Ready()
			go sdnotify.Watchdog(ctx, sdnotify.WatchdogInterval(), nil)
			defer sdnotify.Stopping()
			return w.Run(ctx)
		},
	}
}
