package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/szaher/gitsync/internal/config"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/state"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit     int
		namespace string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "history <Kind/name | Kind/namespace/name>",
		Short: "Show the recorded sync history of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := resource.ParseIdentity(args[0], namespace)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.History(ctx, id, limit)
			if err != nil {
				return err
			}
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), records, format)
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace when the identity omits one")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text|json|yaml)")
	return cmd
}

// openStore opens the configured state store without building targets.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	resolver, err := cfg.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.OpenStore(ctx, resolver)
}
