// Package main is the entry point for the gitsync CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile string
	logLevel   string
	logFormat  string
	serverURL  string
	apiKey     string
	eventsFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gitsync",
		Short: "Declarative GitOps reconciliation engine",
		Long: `gitsync keeps live clusters in line with manifests kept in git, a
directory or an S3 bucket. Each pass fetches desired and observed state,
diffs and orders the changes, gates them through sync policy, applies them
and records the outcome of every resource.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "gitsync.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error); overrides the config")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json|text); overrides the config")
	root.PersistentFlags().StringVar(&eventsFile, "events-file", "", "Append pass events as JSON lines to this file")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "API server URL for remote commands")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for remote commands (default $GITSYNC_API_KEY)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newApproveCmd())
	root.AddCommand(newEventsCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
