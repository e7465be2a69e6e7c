package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediacast/internal/app"
	"mediacast/internal/config"
)

type rootOpts struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "mediacast",
		Short:         "Media download bot with a remote worker and broadcast fan-out",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(newBotCmd(opts), newWorkerCmd(opts), newEnqueueCmd(opts))
	return root
}

// signalContext ends on SIGINT or SIGTERM and reports which one arrived.
func signalContext() (context.Context, func() app.StopReason) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	reason := app.StopUnknown
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case s := <-ch:
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			} else {
				reason = app.StopSIGINT
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() app.StopReason {
		cancel()
		<-done
		signal.Stop(ch)
		return reason
	}
}
