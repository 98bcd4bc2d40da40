package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/resource"
)

func newSyncCmd() *cobra.Command {
	var (
		format        string
		approve       []string
		approveGroups []string
		approveAll    bool
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "sync <target>",
		Short: "Run one reconciliation pass for a target",
		Long: `Run one reconciliation pass and print its report. Changes gated for
manual approval are skipped unless approved with --approve (Kind/name or
Kind/namespace/name), --approve-group or --approve-all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			t, ok := a.ctrl.Target(args[0])
			if !ok {
				return controller.ErrUnknownTarget
			}
			opts := controller.SyncOptions{
				DryRun:         dryRun,
				ApprovedGroups: approveGroups,
				ApproveAll:     approveAll,
			}
			for _, s := range approve {
				id, err := resource.ParseIdentity(s, t.Scope.Namespace)
				if err != nil {
					return err
				}
				opts.Approved = append(opts.Approved, id)
			}

			report, err := a.ctrl.Sync(ctx, args[0], opts)
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
	cmd.Flags().StringSliceVar(&approve, "approve", nil, "Approve a gated resource for this pass (repeatable)")
	cmd.Flags().StringSliceVar(&approveGroups, "approve-group", nil, "Approve a gated policy group for this pass (repeatable)")
	cmd.Flags().BoolVar(&approveAll, "approve-all", false, "Approve every gated change for this pass")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop after the policy gate")
	return cmd
}
