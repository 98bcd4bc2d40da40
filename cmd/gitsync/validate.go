package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := cfg.Evaluator(); err != nil {
				return fmt.Errorf("policy: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d target(s), store %s\n", configFile, len(cfg.Targets), cfg.Store.Type)
			return nil
		},
	}
}
