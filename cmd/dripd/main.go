// Package main is the entry point for dripd, the drip-campaign workflow
// engine. It serves the operator API and runs the due-work scanner.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "nexrel-dripd"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := rootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dripd",
		Short: "Drip-campaign workflow engine",
		Long: `dripd enrolls leads into multi-step outreach workflows and executes
their steps over email, SMS and voice on schedule.

Run "dripd serve" for the operator API, tracking endpoints and the
background due-work scanner.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			observability.Version = version
			observability.Commit = commit
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	cmd.AddCommand(
		serveCmd(&configPath),
		scanCmd(&configPath),
		migrateCmd(&configPath),
		validateCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "dripd version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return cmd
}
