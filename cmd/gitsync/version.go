package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/gitsync/internal/cluster"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gitsync version %s (drivers: %v)\n", version, cluster.Drivers())
		},
	}
}
