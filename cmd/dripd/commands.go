package main

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/definition"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/schema"
)

// scanCmd runs a single due-work scan, for cron-driven deployments that do
// not run the in-process scanner.
func scanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one due-work scan and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			a, err := buildApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			defer a.close()
			if err != nil {
				return err
			}

			report, err := a.engine.RunDueScan(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate: store.driver is %q, nothing to migrate", cfg.Store.Driver)
			}

			pool, err := openPool(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := schema.Apply(cmd.Context(), pool)
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}

// validateCmd checks definition files without touching any store. With no
// arguments it validates the directories named in the config file.
func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Validate workflow definition files",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}
			if len(dirs) == 0 {
				return fmt.Errorf("validate: no definition directories given")
			}

			defs, err := definition.NewLoader().LoadAll(dirs)
			if err != nil {
				return err
			}

			// Custom actions must name a handler this binary registers.
			handlers := channel.NewHandlerRegistry()
			registerLeadHandlers(handlers, nil)
			verrs := definition.NewValidator(handlers.Names()...).ValidateAll(defs)
			for _, ve := range verrs {
				fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("validate: %d error(s) in %d definition(s)", len(verrs), len(defs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d definition(s) valid\n", len(defs))
			return nil
		},
	}
}
