package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/storageinator/backend/internal/database"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/logger"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove pending uploads older than the pending TTL and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := database.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		st, err := buildStack(ctx, cfg, db)
		if err != nil {
			return fmt.Errorf("storage initialization failed: %w", err)
		}

		reaped, err := services.NewUploadReaper(st.files, cfg.Upload.ReapInterval).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reaping failed after %d uploads: %w", reaped, err)
		}

		logger.Info("reap_completed", map[string]interface{}{
			"reaped": reaped,
			"ttl":    cfg.Upload.PendingTTL.String(),
		})
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d expired uploads\n", reaped)
		return nil
	},
}
