package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mediacast/internal/app"
	"mediacast/internal/broker"
)

func newEnqueueCmd(opts *rootOpts) *cobra.Command {
	var (
		kind       string
		originator int64
		title      string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <ref>",
		Short: "Push one task onto the broker queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			id, err := app.Enqueue(ctx, opts.configPath, broker.Task{
				OriginatorID: originator,
				Kind:         kind,
				TargetRef:    args[0],
				Metadata:     broker.Metadata{Title: title},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "video", "task kind")
	cmd.Flags().Int64Var(&originator, "originator", 0, "user id the result belongs to")
	cmd.Flags().StringVar(&title, "title", "", "optional title metadata")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connect and push timeout")
	return cmd
}
