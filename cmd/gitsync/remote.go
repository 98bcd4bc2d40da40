package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/gitsync/internal/auth"
	"github.com/szaher/gitsync/sdk/go/gitsync"
)

func newClient() *gitsync.Client {
	key := apiKey
	if key == "" {
		key = auth.KeyFromEnv()
	}
	return gitsync.NewClient(serverURL, gitsync.WithAPIKey(key))
}

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status [target]",
		Short: "Show target status from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client := newClient()

			var statuses []gitsync.Status
			if len(args) == 1 {
				st, err := client.Target(ctx, args[0])
				if err != nil {
					return err
				}
				statuses = []gitsync.Status{*st}
			} else {
				var err error
				if statuses, err = client.Targets(ctx); err != nil {
					return err
				}
			}

			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), statuses, format)
			}
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No targets.")
				return nil
			}
			fmt.Fprintf(out, "%-20s %-12s %-10s %-22s %s\n", "TARGET", "ENVIRONMENT", "STATE", "NEXT RUN", "LAST PASS")
			for _, st := range statuses {
				fmt.Fprintf(out, "%-20s %-12s %-10s %-22s %s\n", st.Name, st.Environment, statusState(st), nextRun(st.NextRun), lastPass(st))
				if len(st.Pending) > 0 {
					ids := make([]string, len(st.Pending))
					for i, id := range st.Pending {
						ids[i] = id.String()
					}
					fmt.Fprintf(out, "  awaiting approval: %s\n", strings.Join(ids, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text|json|yaml)")
	return cmd
}

func statusState(st gitsync.Status) string {
	switch {
	case st.Running:
		return "running"
	case st.LastError != "":
		return "error"
	case st.LastReport == nil:
		return "pending"
	case st.LastReport.Count("Failed") > 0:
		return "degraded"
	case len(st.Pending) > 0:
		return "gated"
	}
	return "synced"
}

func nextRun(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func lastPass(st gitsync.Status) string {
	if st.LastError != "" {
		return st.LastError
	}
	if st.LastReport == nil {
		return "-"
	}
	r := st.LastReport
	return fmt.Sprintf("%s %s (%d succeeded, %d failed)", r.FinishedAt.Local().Format(time.DateTime), r.Outcome, r.Count("Succeeded"), r.Count("Failed"))
}

func newApproveCmd() *cobra.Command {
	var (
		groups    []string
		namespace string
	)

	cmd := &cobra.Command{
		Use:   "approve <target> [Kind/name | Kind/namespace/name ...]",
		Short: "Approve gated changes on a running server",
		Long: `Approve resources or policy groups held for manual approval. The
approval is consumed by the next successful pass of the target. With no
resources and no --group every pending change of the target is approved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []gitsync.Identity
			for _, s := range args[1:] {
				id, err := parseRemoteIdentity(s, namespace)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			if err := newClient().Approve(context.Background(), args[0], ids, groups); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved changes for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&groups, "group", nil, "Approve a policy group (repeatable)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace when an identity omits one")
	return cmd
}

// parseRemoteIdentity accepts Kind/name or Kind/namespace/name. The server
// fills in the target namespace when none is given.
func parseRemoteIdentity(s, namespace string) (gitsync.Identity, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return gitsync.Identity{Kind: parts[0], Namespace: namespace, Name: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[2] != "":
		return gitsync.Identity{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
	}
	return gitsync.Identity{}, fmt.Errorf("invalid resource %q: want Kind/name or Kind/namespace/name", s)
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [target]",
		Short: "Stream pass events from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			out := cmd.OutOrStdout()
			err := newClient().Events(ctx, target, func(ev gitsync.Event) error {
				fmt.Fprintf(out, "%s %-22s %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.CorrelationID)
				for _, k := range sortedKeys(ev.Data) {
					fmt.Fprintf(out, " %s=%v", k, ev.Data[k])
				}
				fmt.Fprintln(out)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	return cmd
}
