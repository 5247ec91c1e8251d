package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/rbac/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the access schema to PG_DSN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(cmd.Context(), pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}
