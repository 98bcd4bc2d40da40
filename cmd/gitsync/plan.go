package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan <target>",
		Short: "Show what a pass would change without applying anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ctrl.Plan(ctx, args[0])
			if report == nil {
				return err
			}
			if perr := printReport(cmd.OutOrStdout(), report, format); perr != nil {
				return perr
			}
			return passError(report, err)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text|json|yaml)")
	return cmd
}
