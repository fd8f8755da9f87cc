package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/storageinator/backend/internal/database"
	"github.com/storageinator/backend/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema and seed the first admin user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := database.Connect(cfg); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("migration_completed", map[string]interface{}{
			"driver": cfg.DB.Driver,
		})
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}
